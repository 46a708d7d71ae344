package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrySendThroughChannel(t *testing.T) {
	var testcases = map[string]struct {
		ctxCancelled bool
		message      struct{}
	}{
		`ctx_cancel`: {
			ctxCancelled: true,
			message:      struct{}{},
		},
		`no_ctx_cancel`: {
			ctxCancelled: false,
			message:      struct{}{},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			var channel chan struct{}
			ctx := context.Background()

			var cancelFunc context.CancelFunc
			if tc.ctxCancelled {
				channel = make(chan struct{})
				ctx, cancelFunc = context.WithCancel(ctx)
				cancelFunc()
			} else {
				channel = make(chan struct{}, 1)
			}
			TrySendThroughChannel(ctx, tc.message, channel)
			if tc.ctxCancelled {
				close(channel)
				_, ok := <-channel
				require.False(t, ok)
			} else {
				element, ok := <-channel
				require.True(t, ok)
				require.NotNil(t, element)
			}
		})
	}
}

func TestTrySendWithoutBlocking(t *testing.T) {
	channel := make(chan int, 1)
	require.True(t, TrySendWithoutBlocking(1, channel))
	require.False(t, TrySendWithoutBlocking(2, channel))
	require.Equal(t, 1, <-channel)
}

func TestNewFanOutPoolRunsEveryTask(t *testing.T) {
	var ran atomic.Int32
	p := NewFanOutPool(context.Background(), 2)
	for i := 0; i < 5; i++ {
		p.Go(func(ctx context.Context) error {
			ran.Add(1)
			if i%2 == 0 {
				return errors.New("boom")
			}
			return nil
		})
	}

	err := p.Wait()
	require.Error(t, err)
	require.EqualValues(t, 5, ran.Load())
}

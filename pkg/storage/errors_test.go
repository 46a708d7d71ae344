package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
)

func TestTwinError(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want error
	}{
		{"not_found", ErrNotFound, serverErrors.ErrTwinNotFound},
		{"unavailable", Unavailable(errors.New("connection refused")), serverErrors.ErrTransient},
		{"invalid_document", ErrInvalidDocument, serverErrors.ErrMalformedCommand},
		{"other", errors.New("boom"), serverErrors.ErrInternal},
		{"typed", serverErrors.LiveTimeout(0), serverErrors.ErrLiveTimeout},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := TwinError("org.acme:lamp", test.err)
			require.ErrorIs(t, got, test.want)
		})
	}

	require.Nil(t, TwinError("org.acme:lamp", nil))
}

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type target struct {
	ready bool
	err   error
}

func (t target) IsReady(context.Context) (bool, error) {
	return t.ready, t.err
}

func TestChecker(t *testing.T) {
	tests := []struct {
		name   string
		target target
		code   int
		body   string
	}{
		{"serving", target{ready: true}, http.StatusOK, `{"status":"SERVING"}`},
		{"not_ready", target{}, http.StatusServiceUnavailable, `{"status":"NOT_SERVING"}`},
		{"error", target{err: errors.New("db down")}, http.StatusServiceUnavailable, `{"status":"NOT_SERVING","error":"db down"}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			(&Checker{TargetService: test.target}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			require.Equal(t, test.code, rec.Code)
			require.JSONEq(t, test.body, rec.Body.String())
		})
	}
}

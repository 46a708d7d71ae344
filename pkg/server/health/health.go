// Package health exposes the readiness of a twinguard server over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

type Status string

const (
	StatusServing    Status = "SERVING"
	StatusNotServing Status = "NOT_SERVING"
)

type checkResponse struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Checker answers health probes for one target service.
type Checker struct {
	TargetService
	Timeout time.Duration
}

func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	resp := checkResponse{Status: StatusServing}
	code := http.StatusOK

	ready, err := o.IsReady(ctx)
	switch {
	case err != nil:
		resp = checkResponse{Status: StatusNotServing, Error: err.Error()}
		code = http.StatusServiceUnavailable
	case !ready:
		resp.Status = StatusNotServing
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

package pubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/signals"
)

const (
	contentTypeCBOR = "application/cbor"

	replicatePath = "/v1/cluster/replicate"
	exchangePath  = "/v1/cluster/exchange"
	forwardPath   = "/v1/cluster/forward"

	maxBodyBytes = 8 << 20
)

type HTTPTransportOption func(*HTTPTransport)

// WithHTTPRetryMax sets how many times a failed request is retried by the client.
func WithHTTPRetryMax(n int) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client.RetryMax = n
	}
}

// WithHTTPTimeout sets the timeout of a single request attempt.
func WithHTTPTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client.HTTPClient.Timeout = d
	}
}

// HTTPTransport reaches peers over HTTP with CBOR bodies.
type HTTPTransport struct {
	client *retryablehttp.Client
	peers  map[string]string
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for peers, a map from replica id to base URL.
func NewHTTPTransport(peers map[string]string, opts ...HTTPTransportOption) *HTTPTransport {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.RetryWaitMin = 10 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Transport = otelhttp.NewTransport(client.HTTPClient.Transport)
	client.HTTPClient.Timeout = 5 * time.Second

	t := &HTTPTransport{
		client: client,
		peers:  map[string]string{},
	}
	for id, base := range peers {
		t.peers[id] = strings.TrimSuffix(base, "/")
	}

	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) post(ctx context.Context, peer, path string, body any, out any) error {
	base, ok := t.peers[peer]
	if !ok {
		return fmt.Errorf("%w: no address for '%s'", ErrPeerUnreachable, peer)
	}

	data, err := signals.Marshal(body)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+path, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeCBOR)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSubscriberNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("peer '%s' answered %d: %s", peer, resp.StatusCode, bytes.TrimSpace(payload))
	}

	if out == nil {
		return nil
	}
	return signals.Unmarshal(payload, out)
}

func (t *HTTPTransport) Replicate(ctx context.Context, peer string, entries []Entry) error {
	return t.post(ctx, peer, replicatePath, entries, nil)
}

func (t *HTTPTransport) Exchange(ctx context.Context, peer string, entries []Entry) ([]Entry, error) {
	var remote []Entry
	if err := t.post(ctx, peer, exchangePath, entries, &remote); err != nil {
		return nil, err
	}
	return remote, nil
}

func (t *HTTPTransport) Forward(ctx context.Context, peer string, d Delivery) error {
	return t.post(ctx, peer, forwardPath, d, nil)
}

// NewHTTPHandler serves the receiving side of [HTTPTransport] for node.
func NewHTTPHandler(node Node, l logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+replicatePath, func(w http.ResponseWriter, r *http.Request) {
		var entries []Entry
		if !decodeBody(w, r, &entries) {
			return
		}
		if err := node.HandleReplicate(r.Context(), entries); err != nil {
			writeError(w, r, l, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST "+exchangePath, func(w http.ResponseWriter, r *http.Request) {
		var entries []Entry
		if !decodeBody(w, r, &entries) {
			return
		}
		remote, err := node.HandleExchange(r.Context(), entries)
		if err != nil {
			writeError(w, r, l, err)
			return
		}
		data, err := signals.Marshal(remote)
		if err != nil {
			writeError(w, r, l, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeCBOR)
		_, _ = w.Write(data)
	})

	mux.HandleFunc("POST "+forwardPath, func(w http.ResponseWriter, r *http.Request) {
		var d Delivery
		if !decodeBody(w, r, &d) {
			return
		}
		if err := node.HandleForward(r.Context(), d); err != nil {
			writeError(w, r, l, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return otelhttp.NewHandler(mux, "cluster")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = signals.Unmarshal(data, v)
	}
	if err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, l logger.Logger, err error) {
	if errors.Is(err, ErrSubscriberNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	l.ErrorWithContext(r.Context(), "cluster request failed", zap.String("path", r.URL.Path), zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// Close drops idle connections to the peers.
func (t *HTTPTransport) Close() {
	t.client.HTTPClient.CloseIdleConnections()
}

package signals

import (
	"encoding/json"

	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
)

// Response is the terminal answer to a command. Exactly one of Payload and
// Err is meaningful.
type Response struct {
	EntityID     string              `cbor:"entity_id" json:"entity_id"`
	ResourcePath string              `cbor:"resource_path" json:"resource_path"`
	Payload      json.RawMessage     `cbor:"payload,omitempty" json:"payload,omitempty"`
	Headers      Headers             `cbor:"headers,omitempty" json:"headers,omitempty"`
	Err          *serverErrors.Error `cbor:"error,omitempty" json:"error,omitempty"`
}

// NewResponse answers cmd with payload. The correlation id is carried over.
func NewResponse(cmd Command, payload json.RawMessage) Response {
	return Response{
		EntityID:     cmd.EntityID,
		ResourcePath: cmd.ResourcePath,
		Payload:      payload,
		Headers:      responseHeaders(cmd),
	}
}

// NewErrorResponse answers cmd with err, converted to a typed error bound to
// the command's entity and correlation id.
func NewErrorResponse(cmd Command, err error) Response {
	typed := serverErrors.HandleError("", err)
	return Response{
		EntityID:     cmd.EntityID,
		ResourcePath: cmd.ResourcePath,
		Headers:      responseHeaders(cmd),
		Err:          typed.WithCorrelation(cmd.EntityID, cmd.CorrelationID()),
	}
}

func responseHeaders(cmd Command) Headers {
	h := Headers{}
	if id := cmd.CorrelationID(); id != "" {
		h[HeaderCorrelationID] = id
	}
	if rs, ok := cmd.Headers[HeaderReadSubjects]; ok {
		h[HeaderReadSubjects] = rs
	}
	// live responders answer to the replica that published the command
	if rr := cmd.Headers.ResponseReceiver(); rr != "" {
		h[HeaderResponseReceiver] = rr
	}
	return h
}

func (r Response) CorrelationID() string {
	return r.Headers.CorrelationID()
}

func (r Response) Failed() bool {
	return r.Err != nil
}

// WithHeader derives a response with one additional header.
func (r Response) WithHeader(key, value string) Response {
	r.Headers = r.Headers.With(key, value)
	return r
}

// Event is published after an entity changed, or when a caller emits one.
type Event struct {
	EntityID     string          `cbor:"entity_id" json:"entity_id"`
	Name         string          `cbor:"name" json:"name"`
	ResourcePath string          `cbor:"resource_path" json:"resource_path"`
	Payload      json.RawMessage `cbor:"payload,omitempty" json:"payload,omitempty"`
	Revision     int64           `cbor:"revision" json:"revision"`
	Headers      Headers         `cbor:"headers,omitempty" json:"headers,omitempty"`
}

const (
	EventTwinMerged  = "twinMerged"
	EventTwinDeleted = "twinDeleted"
	EventEmitted     = "eventEmitted"

	EventPolicyChanged = "policyChanged"
)

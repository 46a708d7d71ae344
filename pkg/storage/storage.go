//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks storage

// Package storage defines the collaborators the enforcement layer reads
// policies and twins from, plus reference implementations in sub-packages.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/signals"
)

// TwinState is the last persisted state of an entity.
type TwinState struct {
	EntityID  string          `json:"entity_id"`
	Revision  int64           `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// View returns the part of the twin addressed by path.
func (t *TwinState) View(path signals.ResourcePath) (json.RawMessage, error) {
	if t == nil || t.Deleted {
		return nil, ErrNotFound
	}
	if path.IsRoot() {
		return t.Payload, nil
	}
	res := gjson.GetBytes(t.Payload, signals.JSONPath(path.Segments))
	if !res.Exists() {
		return nil, ErrNotFound
	}
	return json.RawMessage(res.Raw), nil
}

// PolicyLookup resolves the policy of an entity.
type PolicyLookup interface {
	// Get returns ErrNotFound when the entity has no policy and ErrUnavailable
	// when the lookup may succeed on retry.
	Get(ctx context.Context, entityID string) (*policy.Policy, error)
}

// PolicyWriter stores policies.
type PolicyWriter interface {
	WritePolicy(ctx context.Context, entityID string, p *policy.Policy) error
	DeletePolicy(ctx context.Context, entityID string) error
}

// TwinReader reads persisted twins.
type TwinReader interface {
	Read(ctx context.Context, entityID string) (*TwinState, error)
}

// TwinStore reads twins and applies commands to them.
type TwinStore interface {
	TwinReader

	// Apply applies a modify or delete command and returns the resulting state.
	// A retrieve command returns the current state.
	Apply(ctx context.Context, cmd signals.Command) (*TwinState, error)
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}

// Datastore is what every engine in this module implements.
type Datastore interface {
	PolicyLookup
	PolicyWriter
	TwinStore

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

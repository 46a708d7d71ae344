// Package signals contains the commands, responses and events that flow through
// the enforcement and routing layer, and the envelope used to carry them
// between replicas.
package signals

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandKind is the operation a command performs on an entity.
type CommandKind string

const (
	KindRetrieve  CommandKind = "retrieve"
	KindModify    CommandKind = "modify"
	KindDelete    CommandKind = "delete"
	KindEmitEvent CommandKind = "emit-event"
)

func (k CommandKind) Valid() bool {
	switch k {
	case KindRetrieve, KindModify, KindDelete, KindEmitEvent:
		return true
	default:
		return false
	}
}

// IsQuery reports whether the command only reads.
func (k CommandKind) IsQuery() bool {
	return k == KindRetrieve
}

var (
	ErrMissingEntityID = errors.New("command has no entity id")
	ErrUnknownKind     = errors.New("unknown command kind")
)

// Command is an inbound request addressed to one entity. Commands are values;
// the With* methods return derived commands and leave the receiver untouched.
type Command struct {
	EntityID     string               `cbor:"entity_id" json:"entity_id"`
	Kind         CommandKind          `cbor:"kind" json:"kind"`
	ResourcePath string               `cbor:"resource_path" json:"resource_path"`
	Payload      json.RawMessage      `cbor:"payload,omitempty" json:"payload,omitempty"`
	Headers      Headers              `cbor:"headers,omitempty" json:"headers,omitempty"`
	AuthContext  AuthorizationContext `cbor:"auth_context" json:"auth_context"`
}

func (c Command) CorrelationID() string {
	return c.Headers.CorrelationID()
}

// WithHeader derives a command with one additional header.
func (c Command) WithHeader(key, value string) Command {
	c.Headers = c.Headers.With(key, value)
	return c
}

// WithHeaders derives a command with headers overlaid on the existing ones.
func (c Command) WithHeaders(h Headers) Command {
	c.Headers = c.Headers.Merge(h)
	return c
}

// Resource parses the command's resource path.
func (c Command) Resource() (ResourcePath, error) {
	return ParseResourcePath(c.ResourcePath)
}

// Validate checks the parts of the command that do not need a policy.
func (c Command) Validate() error {
	if c.EntityID == "" {
		return ErrMissingEntityID
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w '%s'", ErrUnknownKind, c.Kind)
	}
	if _, err := c.Resource(); err != nil {
		return err
	}
	if len(c.Payload) > 0 && !json.Valid(c.Payload) {
		return fmt.Errorf("payload of command for '%s' is not valid JSON", c.EntityID)
	}
	if _, _, err := c.Headers.Timeout(); err != nil {
		return err
	}
	if _, _, err := c.Headers.TimeoutStrategy(); err != nil {
		return err
	}
	return nil
}

// IsLiveQuery reports whether the smart channel has to decide between the
// twin and the live channel for this command.
func (c Command) IsLiveQuery() bool {
	if !c.Kind.IsQuery() {
		return false
	}
	if _, ok := c.Headers.LiveChannelCondition(); ok {
		return true
	}
	return c.Headers.Channel() == ChannelLive
}

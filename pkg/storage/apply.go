package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openfga/twinguard/pkg/signals"
)

// ApplyCommand computes the state that results from applying cmd to current.
// current is nil when the twin does not exist. Engines persist the result.
func ApplyCommand(current *TwinState, cmd signals.Command, now time.Time) (*TwinState, error) {
	path, err := cmd.Resource()
	if err != nil {
		return nil, err
	}
	exists := current != nil && !current.Deleted

	switch cmd.Kind {
	case signals.KindRetrieve:
		if !exists {
			return nil, ErrNotFound
		}
		return current, nil

	case signals.KindModify:
		if len(cmd.Payload) == 0 || !json.Valid(cmd.Payload) {
			return nil, fmt.Errorf("%w: payload must be a JSON value", ErrInvalidDocument)
		}
		if path.IsRoot() {
			if !gjson.ParseBytes(cmd.Payload).IsObject() {
				return nil, fmt.Errorf("%w: a twin must be a JSON object", ErrInvalidDocument)
			}
			return next(current, cmd.EntityID, cmd.Payload, now), nil
		}
		if !exists {
			return nil, ErrNotFound
		}
		doc, err := sjson.SetRawBytes(clone(current.Payload), signals.JSONPath(path.Segments), cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return next(current, cmd.EntityID, doc, now), nil

	case signals.KindDelete:
		if !exists {
			return nil, ErrNotFound
		}
		if path.IsRoot() {
			deleted := next(current, cmd.EntityID, nil, now)
			deleted.Deleted = true
			return deleted, nil
		}
		jsonPath := signals.JSONPath(path.Segments)
		if !gjson.GetBytes(current.Payload, jsonPath).Exists() {
			return nil, ErrNotFound
		}
		doc, err := sjson.DeleteBytes(clone(current.Payload), jsonPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return next(current, cmd.EntityID, doc, now), nil

	default:
		return nil, fmt.Errorf("%w: '%s' commands are not persisted", ErrInvalidDocument, cmd.Kind)
	}
}

func next(current *TwinState, entityID string, payload json.RawMessage, now time.Time) *TwinState {
	var revision int64
	if current != nil {
		revision = current.Revision
	}
	return &TwinState{
		EntityID:  entityID,
		Revision:  revision + 1,
		Payload:   payload,
		UpdatedAt: now,
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

package signals

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signals: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("signals: CBOR decoder initialization failed: " + err.Error())
	}
}

var ErrEmptyEnvelope = errors.New("envelope carries no signal")

// Envelope is the unit carried by the pub/sub fabric. Exactly one field is set.
type Envelope struct {
	Command  *Command  `cbor:"1,keyasint,omitempty"`
	Response *Response `cbor:"2,keyasint,omitempty"`
	Event    *Event    `cbor:"3,keyasint,omitempty"`
}

func CommandEnvelope(c Command) Envelope { return Envelope{Command: &c} }

func ResponseEnvelope(r Response) Envelope { return Envelope{Response: &r} }

func EventEnvelope(e Event) Envelope { return Envelope{Event: &e} }

// Headers returns the headers of whichever signal the envelope carries.
func (e Envelope) Headers() Headers {
	switch {
	case e.Command != nil:
		return e.Command.Headers
	case e.Response != nil:
		return e.Response.Headers
	case e.Event != nil:
		return e.Event.Headers
	default:
		return nil
	}
}

func (e Envelope) EntityID() string {
	switch {
	case e.Command != nil:
		return e.Command.EntityID
	case e.Response != nil:
		return e.Response.EntityID
	case e.Event != nil:
		return e.Event.EntityID
	default:
		return ""
	}
}

func (e Envelope) CorrelationID() string {
	return e.Headers().CorrelationID()
}

func (e Envelope) Valid() bool {
	n := 0
	if e.Command != nil {
		n++
	}
	if e.Response != nil {
		n++
	}
	if e.Event != nil {
		n++
	}
	return n == 1
}

// Encode marshals the envelope with core deterministic CBOR.
func Encode(e Envelope) ([]byte, error) {
	if !e.Valid() {
		return nil, ErrEmptyEnvelope
	}
	return encMode.Marshal(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if !e.Valid() {
		return Envelope{}, ErrEmptyEnvelope
	}
	return e, nil
}

// Marshal and Unmarshal expose the codec for other replicated types.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

package signals

import (
	"fmt"
	"slices"
	"sort"

	"github.com/openfga/twinguard/pkg/id"
)

// Transformer rewrites a command before it is enforced.
type Transformer interface {
	Name() string
	Transform(Command) (Command, error)
}

type transformerFunc struct {
	name string
	fn   func(Command) (Command, error)
}

func (t transformerFunc) Name() string { return t.name }

func (t transformerFunc) Transform(c Command) (Command, error) { return t.fn(c) }

// NewTransformerFunc adapts a function into a named Transformer.
func NewTransformerFunc(name string, fn func(Command) (Command, error)) Transformer {
	return transformerFunc{name: name, fn: fn}
}

const (
	TransformerCorrelationID  = "correlation-id"
	TransformerOriginator     = "originator"
	TransformerDefaultChannel = "default-channel"
)

var transformerRegistry = map[string]func() Transformer{
	TransformerCorrelationID: func() Transformer {
		return NewTransformerFunc(TransformerCorrelationID, func(c Command) (Command, error) {
			if c.CorrelationID() != "" {
				return c, nil
			}
			cid, err := id.NewString()
			if err != nil {
				return c, fmt.Errorf("generating correlation id: %w", err)
			}
			return c.WithHeader(HeaderCorrelationID, cid), nil
		})
	},
	TransformerOriginator: func() Transformer {
		return NewTransformerFunc(TransformerOriginator, func(c Command) (Command, error) {
			if c.Headers.Has(HeaderOriginator) || c.AuthContext.IsEmpty() {
				return c, nil
			}
			return c.WithHeader(HeaderOriginator, c.AuthContext.FirstSubject()), nil
		})
	},
	TransformerDefaultChannel: func() Transformer {
		return NewTransformerFunc(TransformerDefaultChannel, func(c Command) (Command, error) {
			if c.Headers.Has(HeaderChannel) {
				return c, nil
			}
			return c.WithHeader(HeaderChannel, string(ChannelTwin)), nil
		})
	},
}

// DefaultTransformers are applied when the configuration names none.
var DefaultTransformers = []string{TransformerCorrelationID, TransformerOriginator}

// TransformerNames lists the registered transformers.
func TransformerNames() []string {
	names := make([]string, 0, len(transformerRegistry))
	for name := range transformerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransformerChain applies transformers in order.
type TransformerChain []Transformer

// NewTransformerChain resolves names against the registry. Unknown names are errors.
func NewTransformerChain(names ...string) (TransformerChain, error) {
	chain := make(TransformerChain, 0, len(names))
	for _, name := range names {
		ctor, ok := transformerRegistry[name]
		if !ok {
			return nil, fmt.Errorf("unknown signal transformer '%s', expected one of %v", name, TransformerNames())
		}
		chain = append(chain, ctor())
	}
	return chain, nil
}

func (tc TransformerChain) Transform(c Command) (Command, error) {
	var err error
	for _, t := range tc {
		c, err = t.Transform(c)
		if err != nil {
			return c, fmt.Errorf("signal transformer '%s': %w", t.Name(), err)
		}
	}
	return c, nil
}

// With returns a chain extended with extra transformers.
func (tc TransformerChain) With(extra ...Transformer) TransformerChain {
	return append(slices.Clone(tc), extra...)
}

// Package memory contains an in-memory Datastore, used by tests and by
// single-process deployments seeded from a YAML file.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"

	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

var tracer = otel.Tracer("twinguard/pkg/storage/memory")

// Datastore is an in-memory implementation of [storage.Datastore].
type Datastore struct {
	mu       sync.RWMutex
	twins    map[string]*storage.TwinState
	policies map[string]*policy.Policy
	now      func() time.Time
}

var _ storage.Datastore = (*Datastore)(nil)

type DatastoreOption func(*Datastore)

// WithClock replaces the clock used for UpdatedAt.
func WithClock(now func() time.Time) DatastoreOption {
	return func(ds *Datastore) {
		ds.now = now
	}
}

// New creates a new empty in-memory datastore.
func New(opts ...DatastoreOption) *Datastore {
	ds := &Datastore{
		twins:    map[string]*storage.TwinState{},
		policies: map[string]*policy.Policy{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds
}

// Get see [storage.PolicyLookup].Get.
func (s *Datastore) Get(ctx context.Context, entityID string) (*policy.Policy, error) {
	_, span := tracer.Start(ctx, "memory.GetPolicy", trace.WithAttributes(attribute.String("entity_id", entityID)))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[entityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// WritePolicy see [storage.PolicyWriter].WritePolicy.
func (s *Datastore) WritePolicy(ctx context.Context, entityID string, p *policy.Policy) error {
	_, span := tracer.Start(ctx, "memory.WritePolicy")
	defer span.End()

	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[entityID] = p
	return nil
}

// DeletePolicy see [storage.PolicyWriter].DeletePolicy.
func (s *Datastore) DeletePolicy(ctx context.Context, entityID string) error {
	_, span := tracer.Start(ctx, "memory.DeletePolicy")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[entityID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.policies, entityID)
	return nil
}

// Read see [storage.TwinReader].Read.
func (s *Datastore) Read(ctx context.Context, entityID string) (*storage.TwinState, error) {
	_, span := tracer.Start(ctx, "memory.ReadTwin", trace.WithAttributes(attribute.String("entity_id", entityID)))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	twin, ok := s.twins[entityID]
	if !ok || twin.Deleted {
		return nil, storage.ErrNotFound
	}
	return twin, nil
}

// Apply see [storage.TwinStore].Apply.
func (s *Datastore) Apply(ctx context.Context, cmd signals.Command) (*storage.TwinState, error) {
	_, span := tracer.Start(ctx, "memory.ApplyTwin", trace.WithAttributes(
		attribute.String("entity_id", cmd.EntityID),
		attribute.String("kind", string(cmd.Kind)),
	))
	defer span.End()

	if cmd.Kind.IsQuery() {
		return s.Read(ctx, cmd.EntityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := storage.ApplyCommand(s.twins[cmd.EntityID], cmd, s.now())
	if err != nil {
		return nil, err
	}
	s.twins[cmd.EntityID] = next
	return next, nil
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {}

type seedTwin struct {
	Revision int64           `json:"revision"`
	Document json.RawMessage `json:"document"`
}

type seedFile struct {
	Policies map[string]json.RawMessage `json:"policies"`
	Twins    map[string]seedTwin        `json:"twins"`
}

// Seed loads policies and twins from a YAML or JSON document of the form
//
//	policies:
//	  <entity id>: {id: ..., revision: ..., resources: {...}}
//	twins:
//	  <entity id>: {revision: ..., document: {...}}
func (s *Datastore) Seed(data []byte) error {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed: %w", err)
	}

	policies := make(map[string]*policy.Policy, len(seed.Policies))
	for entityID, raw := range seed.Policies {
		p, err := policy.Parse(raw)
		if err != nil {
			return fmt.Errorf("policy of '%s': %w", entityID, err)
		}
		policies[entityID] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for entityID, p := range policies {
		s.policies[entityID] = p
	}
	for entityID, twin := range seed.Twins {
		revision := twin.Revision
		if revision == 0 {
			revision = 1
		}
		s.twins[entityID] = &storage.TwinState{
			EntityID:  entityID,
			Revision:  revision,
			Payload:   twin.Document,
			UpdatedAt: s.now(),
		}
	}
	return nil
}

// SeedFile is Seed for a file on disk.
func (s *Datastore) SeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := s.Seed(data); err != nil {
		return fmt.Errorf("seeding from '%s': %w", path, err)
	}
	return nil
}

package enforcement

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/pkg/policy"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/telemetry"
)

type message struct {
	ctx        context.Context
	cmd        signals.Command
	invalidate bool
	reply      chan<- signals.Response
	enqueued   time.Time
}

// process is the serialized handler of one entity. inflight is guarded by the
// shard lock.
type process struct {
	entityID string
	mailbox  chan message
	inflight int
}

func newProcess(entityID string, mailboxSize int) *process {
	return &process{
		entityID: entityID,
		mailbox:  make(chan message, mailboxSize),
	}
}

func (g *Gate) loop(s *shard, p *process) {
	idle := time.NewTimer(g.idleTimeout)
	defer idle.Stop()

	closing := g.ctx.Done()
	for {
		select {
		case msg := <-p.mailbox:
			s.received(p)
			mailboxWaitHistogram.Observe(float64(time.Since(msg.enqueued).Milliseconds()))
			g.serve(p, msg)
			if closing == nil {
				if s.retire(p) {
					return
				}
				resetTimer(idle, drainInterval)
				continue
			}
			resetTimer(idle, g.idleTimeout)

		case <-idle.C:
			if s.retire(p) {
				g.logger.Debug("entity process retired", zap.String("entity_id", p.entityID))
				return
			}
			interval := g.idleTimeout
			if closing == nil {
				interval = drainInterval
			}
			idle.Reset(interval)

		case <-closing:
			// keep serving until nothing is on its way; the commands fail fast
			closing = nil
			if s.retire(p) {
				return
			}
			resetTimer(idle, drainInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// commandContext is canceled when either the caller gives up or the gate closes.
func (g *Gate) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(g.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (g *Gate) serve(p *process, msg message) {
	if msg.invalidate {
		g.invalidate(p.entityID)
		msg.reply <- signals.Response{}
		return
	}

	ctx, cancel := g.commandContext(msg.ctx)
	r := g.handle(ctx, p, msg.cmd)
	if r.live == nil {
		cancel()
		msg.reply <- r.resp
		return
	}

	// the entity moves on while the live query is pending
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		resp := <-r.live
		msg.reply <- redactResponse(r.policy, r.cmd, r.resource, resp)
	}()
}

type result struct {
	resp signals.Response

	// set when the answer comes from the smart channel
	live     <-chan signals.Response
	policy   *policy.Policy
	cmd      signals.Command
	resource signals.ResourcePath
}

func (g *Gate) handle(ctx context.Context, p *process, cmd signals.Command) (r result) {
	ctx, span := tracer.Start(ctx, "enforcement.Handle", trace.WithAttributes(
		attribute.String("entity_id", cmd.EntityID),
		attribute.String("kind", string(cmd.Kind)),
	))
	defer span.End()

	outcome := "granted"
	defer func() {
		commandCounter.WithLabelValues(string(cmd.Kind), outcome).Inc()
		if r.resp.Err != nil {
			telemetry.TraceError(span, r.resp.Err)
		}
	}()
	fail := func(label string, err error) result {
		outcome = label
		return result{resp: signals.NewErrorResponse(cmd, err)}
	}

	cmd, err := g.transformers.Transform(cmd)
	if err != nil {
		return fail("error", serverErrors.HandleError("", err))
	}
	span.SetAttributes(attribute.String("correlation_id", cmd.CorrelationID()))
	ctx = telemetry.ContextWithSignalInfo(ctx, telemetry.SignalInfo{EntityID: cmd.EntityID, CorrelationID: cmd.CorrelationID()})

	if err := cmd.Validate(); err != nil {
		return fail("malformed", serverErrors.MalformedCommand(err))
	}
	resource, _ := cmd.Resource()

	pol, err := g.policy(ctx, p)
	if err != nil {
		return fail("error", err)
	}

	permission := policy.RequiredPermission(cmd.Kind)
	var decision policy.Decision
	if cmd.Kind.IsQuery() {
		decision = policy.AuthorizePartial(pol, cmd.AuthContext, resource, permission)
	} else {
		decision = policy.Authorize(pol, cmd.AuthContext, resource, permission)
	}
	if !decision.Allowed {
		g.logger.DebugWithContext(ctx, "command denied",
			zap.String("resource", resource.String()),
			zap.String("permission", string(permission)),
			zap.String("reason", string(decision.Reason)))
		if decision.Reason == policy.ReasonPolicyNotFound {
			return fail("denied", serverErrors.PolicyNotFound(cmd.EntityID))
		}
		return fail("denied", serverErrors.Unauthorized(cmd.EntityID, resource.String(), string(permission)))
	}
	span.SetAttributes(attribute.String("decision_level", decision.Level))

	readSubjects := policy.GrantedSubjects(pol, resource, policy.PermissionRead)
	cmd.Headers = cmd.Headers.WithReadSubjects(readSubjects)

	switch {
	case cmd.IsLiveQuery():
		return result{
			live:     g.router.Route(ctx, cmd, policy.VisibleTo(pol, cmd.AuthContext)),
			policy:   pol,
			cmd:      cmd,
			resource: resource,
		}
	case cmd.Kind == signals.KindEmitEvent:
		resp, label := g.emit(ctx, cmd)
		outcome = label
		return result{resp: resp}
	default:
		resp, label := g.applyToTwin(ctx, cmd, resource)
		outcome = label
		return result{resp: redactResponse(pol, cmd, resource, resp)}
	}
}

// policy looks up the policy of p for every command, retrying while the lookup
// is unavailable. Caching belongs to the lookup.
func (g *Gate) policy(ctx context.Context, p *process) (*policy.Policy, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = g.policyDeadline

	pol, err := backoff.RetryNotifyWithData(func() (*policy.Policy, error) {
		pol, err := g.policies.Get(ctx, p.entityID)
		switch {
		case err == nil:
			return pol, nil
		case errors.Is(err, storage.ErrUnavailable):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithContext(backoff.WithMaxRetries(b, g.policyRetries), ctx), func(err error, wait time.Duration) {
		g.logger.WarnWithContext(ctx, "policy lookup failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})

	switch {
	case err == nil:
		return pol, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, serverErrors.PolicyNotFound(p.entityID)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.logger.ErrorWithContext(ctx, "policy lookup gave up", zap.Error(err))
		return nil, serverErrors.Transient(err, "the policy lookup")
	default:
		return nil, serverErrors.HandleError("", err)
	}
}

func (g *Gate) applyToTwin(ctx context.Context, cmd signals.Command, resource signals.ResourcePath) (signals.Response, string) {
	var (
		state *storage.TwinState
		err   error
	)
	if cmd.Kind.IsQuery() {
		state, err = g.twins.Read(ctx, cmd.EntityID)
	} else {
		state, err = g.twins.Apply(ctx, cmd)
	}
	if err != nil {
		return signals.NewErrorResponse(cmd, storage.TwinError(cmd.EntityID, err)), "error"
	}

	if cmd.Kind == signals.KindDelete {
		g.publishTwinEvent(ctx, cmd, signals.EventTwinDeleted, state.Revision, nil)
		return signals.NewResponse(cmd, nil), "granted"
	}

	view, err := state.View(resource)
	if err != nil {
		return signals.NewErrorResponse(cmd, storage.TwinError(cmd.EntityID, err)), "error"
	}
	if cmd.Kind == signals.KindModify {
		g.publishTwinEvent(ctx, cmd, signals.EventTwinMerged, state.Revision, cmd.Payload)
	}
	return signals.NewResponse(cmd, view), "granted"
}

// publishTwinEvent announces a persisted change. The change stands even when
// nobody could be told about it.
func (g *Gate) publishTwinEvent(ctx context.Context, cmd signals.Command, name string, revision int64, payload []byte) {
	event := signals.Event{
		EntityID:     cmd.EntityID,
		Name:         name,
		ResourcePath: cmd.ResourcePath,
		Payload:      payload,
		Revision:     revision,
		Headers:      eventHeaders(cmd),
	}
	if _, err := g.publisher.Publish(ctx, signals.TopicTwinEvents, signals.EventEnvelope(event)); err != nil {
		g.logger.WarnWithContext(ctx, "twin event not delivered to every subscriber",
			zap.String("event", name),
			zap.Int64("revision", revision),
			zap.Error(err))
	}
}

func (g *Gate) emit(ctx context.Context, cmd signals.Command) (signals.Response, string) {
	event := signals.Event{
		EntityID:     cmd.EntityID,
		Name:         signals.EventEmitted,
		ResourcePath: cmd.ResourcePath,
		Payload:      cmd.Payload,
		Headers:      eventHeaders(cmd),
	}
	if _, err := g.publisher.Publish(ctx, signals.TopicLiveEvents, signals.EventEnvelope(event)); err != nil {
		return signals.NewErrorResponse(cmd, serverErrors.Transient(err, "the live events topic")), "error"
	}
	return signals.NewResponse(cmd, nil), "granted"
}

func eventHeaders(cmd signals.Command) signals.Headers {
	h := signals.Headers{}
	for _, key := range []string{signals.HeaderCorrelationID, signals.HeaderReadSubjects, signals.HeaderOriginator} {
		if v, ok := cmd.Headers[key]; ok {
			h[key] = v
		}
	}
	return h
}

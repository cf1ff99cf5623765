// Package orchestrator 实现 saga 编排决策
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchestrated/orchestrator/internal/event"
	"github.com/orchestrated/orchestrator/internal/metrics"
	"github.com/orchestrated/orchestrator/internal/topology"
	"github.com/orchestrated/orchestrator/pkg/logger"
	"github.com/orchestrated/orchestrator/pkg/sagaerrors"
	"github.com/orchestrated/orchestrator/pkg/tracing"
)

// EventStore is the persistence surface the controller needs. Save must
// enforce an optimistic version check so concurrent updates to one
// transaction never interleave.
type EventStore interface {
	Save(ctx context.Context, ev *event.Event) error
	FindByTransactionID(ctx context.Context, transactionID string) (*event.Event, error)
	FindLatestByOrderID(ctx context.Context, orderID string) (*event.Event, error)
}

// Publisher sends an encoded event to a named destination topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

type IDGenerator interface {
	NextID() int64
}

// Controller routes saga events through the topology. It holds no mutable
// per-saga state; everything it decides is a function of the topology, the
// inbound event and the persisted event.
type Controller struct {
	topo    *topology.Topology
	store   EventStore
	pub     Publisher
	idGen   IDGenerator
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewController(topo *topology.Topology, store EventStore, pub Publisher, idGen IDGenerator, log *logger.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		topo:    topo,
		store:   store,
		pub:     pub,
		idGen:   idGen,
		log:     log,
		metrics: m,
	}
}

// ValidateInbound rejects events that cannot be routed: malformed
// transaction id, missing order id, an unknown source, an invalid status,
// or a (source, status) pair with no topology entry.
func (c *Controller) ValidateInbound(ev *event.Event) error {
	if !event.ValidTransactionID(ev.TransactionID) {
		return sagaerrors.Newf(sagaerrors.CodeMissingTransactionID, "malformed transaction id %q", ev.TransactionID)
	}
	if ev.OrderID == "" {
		return sagaerrors.New(sagaerrors.CodeMalformedEvent, "order id is required")
	}
	if _, err := c.topo.Route(ev.Source, ev.Status); err != nil {
		return err
	}
	return nil
}

// Decide computes the next persisted state and outbound destination for one
// inbound event against the stored one. Pure: neither argument is mutated.
// The returned event carries the stored history plus the entry for this
// step (terminal decisions also close the trail), the inbound payload, and
// status/source stamped for the chosen route.
func (c *Controller) Decide(stored, inbound *event.Event) (*event.Event, topology.Action, error) {
	action, err := c.topo.Route(inbound.Source, inbound.Status)
	if err != nil {
		return nil, topology.Action{}, err
	}

	now := time.Now().UnixMilli()
	next := stored.Clone()
	next.Payload = inbound.Payload
	next.Source = event.SourceOrchestrator
	next.Status = action.Status
	next.UpdatedAtMs = now

	switch action.Kind {
	case topology.ActionAdvance:
		next.AppendHistory(inbound.Source, inbound.Status,
			fmt.Sprintf("stage %s succeeded, advancing to %s", inbound.Source, action.Target), now)
	case topology.ActionComplete:
		next.AppendHistory(inbound.Source, inbound.Status,
			fmt.Sprintf("stage %s succeeded", inbound.Source), now)
		next.AppendHistory(event.SourceOrchestrator, event.StatusSuccess, "saga completed", now)
	case topology.ActionCompensate:
		next.AppendHistory(inbound.Source, inbound.Status,
			compensationMessage(inbound)+fmt.Sprintf(", compensating %s", action.Target), now)
	case topology.ActionFinishFail:
		next.AppendHistory(inbound.Source, inbound.Status, compensationMessage(inbound), now)
		next.AppendHistory(event.SourceOrchestrator, event.StatusFail, "saga finished with failure", now)
	}

	return next, action, nil
}

func compensationMessage(inbound *event.Event) string {
	if inbound.Status == event.StatusFail {
		msg := fmt.Sprintf("stage %s failed", inbound.Source)
		if last := inbound.LastHistory(); last.Message != "" && last.Source == inbound.Source {
			msg += ": " + last.Message
		}
		return msg
	}
	return fmt.Sprintf("stage %s compensated", inbound.Source)
}

// duplicate reports whether the inbound event was already applied to the
// stored one. Terminal sagas never accept further events; otherwise any
// stored history entry matching the inbound (source, status) means this
// exact step was processed before. A pair occurs at most once per run —
// the failing stage is never compensated, so no stage reports the same
// status twice — which makes the scan exact under redelivery that
// arrives after later progress.
func duplicate(stored, inbound *event.Event) bool {
	if stored.Terminal() {
		return true
	}
	for _, entry := range stored.History {
		if entry.Source == inbound.Source && entry.Status == inbound.Status {
			return true
		}
	}
	return false
}

// Handle consumes one inbound stage report: decode, validate, load the
// persisted saga, drop duplicates, decide, persist, then publish. Persist
// always precedes publish; a version conflict re-reads and recomputes.
func (c *Controller) Handle(ctx context.Context, data []byte) error {
	started := time.Now()

	inbound, err := event.Unmarshal(data)
	if err != nil {
		c.metrics.IncEventRejected(string(sagaerrors.CodeOf(err)))
		c.log.WithError(err).Warn("discarding undecodable event")
		return err
	}

	ctx = logger.ContextWithTransactionID(ctx, inbound.TransactionID)
	ctx = logger.ContextWithOrderID(ctx, inbound.OrderID)
	log := c.log.WithContext(ctx)

	ctx, span := tracing.StartSpan(ctx, "saga.handle")
	defer span.End()

	if err := c.ValidateInbound(inbound); err != nil {
		c.metrics.IncEventRejected(string(sagaerrors.CodeOf(err)))
		log.WithError(err).Warn("rejecting unroutable event")
		tracing.SetError(ctx, err)
		return err
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stored, err := c.store.FindByTransactionID(ctx, inbound.TransactionID)
		if errors.Is(err, sagaerrors.ErrSagaNotFound) {
			// 所有 saga 都先持久化后发布，未知事务号只能来自伪造或串线的消息
			rejErr := sagaerrors.Newf(sagaerrors.CodeSagaNotFound, "no saga for transaction %s", inbound.TransactionID)
			c.metrics.IncEventRejected(string(sagaerrors.CodeSagaNotFound))
			log.WithError(rejErr).Warn("dropping event for unknown transaction")
			tracing.SetError(ctx, rejErr)
			return rejErr
		} else if err != nil {
			return fmt.Errorf("load saga: %w", err)
		}

		if duplicate(stored, inbound) {
			c.metrics.IncDuplicateDropped()
			log.Info("dropping duplicate event")
			return nil
		}

		next, action, err := c.Decide(stored, inbound)
		if err != nil {
			c.metrics.IncEventRejected(string(sagaerrors.CodeOf(err)))
			return err
		}

		if err := c.store.Save(ctx, next); err != nil {
			if errors.Is(err, sagaerrors.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return fmt.Errorf("persist saga: %w", err)
		}

		if err := c.publishDecision(ctx, log, next, action); err != nil {
			tracing.SetError(ctx, err)
			return err
		}
		tracing.AddEvent(ctx, "decision published")
		c.metrics.ObserveDecisionLatency(time.Since(started))
		return nil
	}
	return lastErr
}

func (c *Controller) publishDecision(ctx context.Context, log *logger.Logger, next *event.Event, action topology.Action) error {
	data, err := event.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.pub.Publish(ctx, action.Destination, data); err != nil {
		c.metrics.IncPublishError(action.Destination)
		return sagaerrors.Newf(sagaerrors.CodePublishFailed, "publish to %s: %v", action.Destination, err)
	}

	switch action.Kind {
	case topology.ActionAdvance:
		log.WithField("destination", action.Destination).Info("saga advancing")
	case topology.ActionCompensate:
		c.metrics.IncCompensationStep()
		log.WithField("destination", action.Destination).Info("saga compensating")
	case topology.ActionComplete:
		c.metrics.IncSagaFinished("success")
		log.Info("saga completed")
		c.notifyEnding(ctx, log, data)
	case topology.ActionFinishFail:
		c.metrics.IncSagaFinished("fail")
		log.Warn("saga finished with failure")
		c.notifyEnding(ctx, log, data)
	}
	return nil
}

// notifyEnding is best effort: the terminal outcome is already persisted
// and published to its finish topic, so a lost notification never stalls
// the saga.
func (c *Controller) notifyEnding(ctx context.Context, log *logger.Logger, data []byte) {
	if err := c.pub.Publish(ctx, topology.TopicNotifyEnding, data); err != nil {
		c.metrics.IncPublishError(topology.TopicNotifyEnding)
		log.WithError(err).Warn("notify ending publish failed")
	}
}

// StartSaga begins a saga run for a start request: allocates the event,
// persists it, then dispatches it to the first stage. A non-terminal run
// already recorded for the same order is rejected as a duplicate.
func (c *Controller) StartSaga(ctx context.Context, data []byte) (*event.Event, error) {
	req, err := event.UnmarshalStartRequest(data)
	if err != nil {
		c.metrics.IncEventRejected(string(sagaerrors.CodeOf(err)))
		return nil, err
	}

	ctx = logger.ContextWithOrderID(ctx, req.OrderID)
	log := c.log.WithContext(ctx)

	ctx, span := tracing.StartSpan(ctx, "saga.start")
	defer span.End()

	existing, err := c.store.FindLatestByOrderID(ctx, req.OrderID)
	if err != nil && !errors.Is(err, sagaerrors.ErrSagaNotFound) {
		return nil, fmt.Errorf("check in-flight saga: %w", err)
	}
	if existing != nil && !existing.Terminal() {
		c.metrics.IncDuplicateDropped()
		log.WithField("transactionId", existing.TransactionID).Warn("order already has a saga in flight")
		return nil, sagaerrors.ErrDuplicateEvent
	}

	ev := event.NewSagaEvent(req.OrderID, req.Payload)
	if c.idGen != nil {
		ev.ID = c.idGen.NextID()
	}

	if err := c.store.Save(ctx, ev); err != nil {
		if errors.Is(err, sagaerrors.ErrVersionConflict) {
			return nil, sagaerrors.ErrDuplicateEvent
		}
		return nil, fmt.Errorf("persist saga: %w", err)
	}

	encoded, err := event.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	first := c.topo.First()
	if err := c.pub.Publish(ctx, first.SuccessTopic, encoded); err != nil {
		c.metrics.IncPublishError(first.SuccessTopic)
		return nil, sagaerrors.Newf(sagaerrors.CodePublishFailed, "publish to %s: %v", first.SuccessTopic, err)
	}

	c.metrics.IncSagaStarted()
	c.log.WithContext(logger.ContextWithTransactionID(ctx, ev.TransactionID)).Info("saga started")
	return ev, nil
}

// HandleStart adapts StartSaga to the stream handler signature.
func (c *Controller) HandleStart(ctx context.Context, data []byte) error {
	_, err := c.StartSaga(ctx, data)
	if errors.Is(err, sagaerrors.ErrDuplicateEvent) {
		return nil
	}
	return err
}

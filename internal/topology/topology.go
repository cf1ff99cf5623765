// Package topology holds the ordered stage table that drives saga routing.
package topology

import (
	"fmt"

	"github.com/orchestrated/orchestrator/internal/event"
	"github.com/orchestrated/orchestrator/pkg/sagaerrors"
)

// Well-known destinations. Stage services listen on their own success/fail
// topics; the controller listens on the orchestrator and start topics.
const (
	TopicStartSaga     = "start-saga"
	TopicOrchestrator  = "orchestrator"
	TopicFinishSuccess = "finish-success"
	TopicFinishFail    = "finish-fail"
	TopicNotifyEnding  = "notify-ending"
)

// Stage describes one forward step: where to send work, and where to send
// the compensation request that undoes it.
type Stage struct {
	Name         string
	SuccessTopic string
	FailTopic    string
}

// Topology is the single source of truth for stage order. Constructed once
// at startup, immutable afterwards.
type Topology struct {
	stages        []Stage
	index         map[string]int
	finishSuccess string
	finishFail    string
}

// New validates and builds a topology. Every destination must be non-empty
// and unique; stage topics must not collide with the terminal topics.
func New(stages []Stage, finishSuccess, finishFail string) (*Topology, error) {
	if len(stages) == 0 {
		return nil, sagaerrors.New(sagaerrors.CodeInvalidTopology, "at least one stage is required")
	}
	if finishSuccess == "" || finishFail == "" || finishSuccess == finishFail {
		return nil, sagaerrors.New(sagaerrors.CodeInvalidTopology, "terminal topics must be distinct and non-empty")
	}

	seenTopics := map[string]string{
		finishSuccess: "finish-success terminal",
		finishFail:    "finish-fail terminal",
	}
	index := make(map[string]int, len(stages))
	for i, stage := range stages {
		if stage.Name == "" {
			return nil, sagaerrors.Newf(sagaerrors.CodeInvalidTopology, "stage %d has no name", i)
		}
		if stage.Name == event.SourceOrchestrator {
			return nil, sagaerrors.New(sagaerrors.CodeInvalidTopology, "stage name ORCHESTRATOR is reserved")
		}
		if _, dup := index[stage.Name]; dup {
			return nil, sagaerrors.Newf(sagaerrors.CodeInvalidTopology, "duplicate stage name %q", stage.Name)
		}
		index[stage.Name] = i

		for _, topic := range []string{stage.SuccessTopic, stage.FailTopic} {
			if topic == "" {
				return nil, sagaerrors.Newf(sagaerrors.CodeInvalidTopology, "stage %q has an empty destination", stage.Name)
			}
			if owner, dup := seenTopics[topic]; dup {
				return nil, sagaerrors.Newf(sagaerrors.CodeInvalidTopology, "topic %q already used by %s", topic, owner)
			}
			seenTopics[topic] = fmt.Sprintf("stage %q", stage.Name)
		}
	}

	return &Topology{
		stages:        append([]Stage(nil), stages...),
		index:         index,
		finishSuccess: finishSuccess,
		finishFail:    finishFail,
	}, nil
}

// Default is the order saga: product validation, payment, inventory.
// Names and topics follow the stage services' contracts.
func Default() *Topology {
	t, err := New([]Stage{
		{Name: "PRODUCT_VALIDATION_SERVICE", SuccessTopic: "product-validation-success", FailTopic: "product-validation-fail"},
		{Name: "PAYMENT_SERVICE", SuccessTopic: "payment-success", FailTopic: "payment-fail"},
		{Name: "INVENTORY_SERVICE", SuccessTopic: "inventory-success", FailTopic: "inventory-fail"},
	}, TopicFinishSuccess, TopicFinishFail)
	if err != nil {
		panic(err)
	}
	return t
}

// Stages returns a copy of the ordered stage list.
func (t *Topology) Stages() []Stage {
	return append([]Stage(nil), t.stages...)
}

func (t *Topology) Len() int { return len(t.stages) }

// StageByName looks a stage up by its service name.
func (t *Topology) StageByName(name string) (Stage, bool) {
	i, ok := t.index[name]
	if !ok {
		return Stage{}, false
	}
	return t.stages[i], true
}

// First returns the first forward stage.
func (t *Topology) First() Stage { return t.stages[0] }

// Last returns the last forward stage.
func (t *Topology) Last() Stage { return t.stages[len(t.stages)-1] }

// Next returns the stage after name in forward order.
func (t *Topology) Next(name string) (Stage, bool) {
	i, ok := t.index[name]
	if !ok || i+1 >= len(t.stages) {
		return Stage{}, false
	}
	return t.stages[i+1], true
}

// Previous returns the stage before name in forward order.
func (t *Topology) Previous(name string) (Stage, bool) {
	i, ok := t.index[name]
	if !ok || i == 0 {
		return Stage{}, false
	}
	return t.stages[i-1], true
}

func (t *Topology) FinishSuccessTopic() string { return t.finishSuccess }
func (t *Topology) FinishFailTopic() string    { return t.finishFail }

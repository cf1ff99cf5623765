// Package event 定义 saga 事件模型
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the saga's current disposition, not an individual stage outcome.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSuccess         Status = "SUCCESS"
	StatusFail            Status = "FAIL"
	StatusRollbackPending Status = "ROLLBACK_PENDING"
)

// Valid reports whether s is one of the four allowed statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFail, StatusRollbackPending:
		return true
	default:
		return false
	}
}

// SourceOrchestrator marks events last written by the controller itself.
const SourceOrchestrator = "ORCHESTRATOR"

// Product 商品
type Product struct {
	Code      string  `json:"code"`
	UnitValue float64 `json:"unitValue"`
}

// OrderProduct 订单行项目
type OrderProduct struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// Order is the payload carried through every stage. The controller passes
// it through unchanged; only stage services read or amend it.
type Order struct {
	ID          string         `json:"id"`
	Products    []OrderProduct `json:"products"`
	TotalAmount float64        `json:"totalAmount"`
	TotalItems  int            `json:"totalItems"`
}

// History 审计记录，追加后不可变
type History struct {
	Source      string `json:"source"`
	Status      Status `json:"status"`
	Message     string `json:"message"`
	CreatedAtMs int64  `json:"createdAt"`
}

// Event is one saga instance. A fresh value is produced per transition;
// the history slice is never shared between copies.
type Event struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transactionId"`
	OrderID       string    `json:"orderId"`
	Payload       Order     `json:"payload"`
	Source        string    `json:"source"`
	Status        Status    `json:"status"`
	History       []History `json:"history"`
	Version       int64     `json:"version"`
	CreatedAtMs   int64     `json:"createdAt"`
	UpdatedAtMs   int64     `json:"updatedAt"`
}

// NewTransactionID allocates a saga run identifier. The millisecond prefix
// keeps IDs sortable by start time; the UUID part guarantees uniqueness.
func NewTransactionID() string {
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), uuid.NewString())
}

// ValidTransactionID checks the <unixMilli>_<uuid> shape.
func ValidTransactionID(id string) bool {
	prefix, rest, found := strings.Cut(id, "_")
	if !found || prefix == "" || rest == "" {
		return false
	}
	if _, err := strconv.ParseInt(prefix, 10, 64); err != nil {
		return false
	}
	if _, err := uuid.Parse(rest); err != nil {
		return false
	}
	return true
}

// NewSagaEvent starts a saga for the order: fresh transaction ID, status
// PENDING, source ORCHESTRATOR, and one "saga started" history entry.
func NewSagaEvent(orderID string, payload Order) *Event {
	now := time.Now().UnixMilli()
	ev := &Event{
		TransactionID: NewTransactionID(),
		OrderID:       orderID,
		Payload:       payload,
		Source:        SourceOrchestrator,
		Status:        StatusPending,
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	ev.AppendHistory(SourceOrchestrator, StatusPending, "saga started", now)
	return ev
}

// Clone returns a deep copy. Transitions operate on the copy so a partially
// applied decision never leaks into the caller's value.
func (e *Event) Clone() *Event {
	cp := *e
	cp.History = make([]History, len(e.History))
	copy(cp.History, e.History)
	cp.Payload.Products = make([]OrderProduct, len(e.Payload.Products))
	copy(cp.Payload.Products, e.Payload.Products)
	return &cp
}

// AppendHistory adds one audit entry. History length only ever grows.
func (e *Event) AppendHistory(source string, status Status, message string, nowMs int64) {
	e.History = append(e.History, History{
		Source:      source,
		Status:      status,
		Message:     message,
		CreatedAtMs: nowMs,
	})
}

// Terminal reports whether the controller already routed this saga to a
// finish destination. Terminal events are retained, never re-routed.
func (e *Event) Terminal() bool {
	return e.Source == SourceOrchestrator && (e.Status == StatusSuccess || e.Status == StatusFail)
}

// LastHistory returns the newest entry, or a zero value for empty history.
func (e *Event) LastHistory() History {
	if len(e.History) == 0 {
		return History{}
	}
	return e.History[len(e.History)-1]
}

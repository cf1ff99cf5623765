package event

import (
	"encoding/json"

	"github.com/orchestrated/orchestrator/pkg/sagaerrors"
)

// Marshal encodes the event with stable field names.
func Marshal(ev *Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, sagaerrors.Newf(sagaerrors.CodeMalformedEvent, "encode event: %v", err)
	}
	return data, nil
}

// Unmarshal decodes an inbound message. Malformed input fails with a
// distinguishable MALFORMED_EVENT error instead of yielding a partially
// populated event.
func Unmarshal(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, sagaerrors.Newf(sagaerrors.CodeMalformedEvent, "decode event: %v", err)
	}
	if ev.TransactionID == "" {
		return nil, sagaerrors.ErrMissingTransactionID
	}
	if ev.OrderID == "" {
		return nil, sagaerrors.New(sagaerrors.CodeMalformedEvent, "order id is required")
	}
	return &ev, nil
}

// StartRequest is the message shape on the saga start stream. The order
// service publishes it; the controller turns it into the first Event.
type StartRequest struct {
	OrderID string `json:"orderId"`
	Payload Order  `json:"payload"`
}

// UnmarshalStartRequest decodes a start-saga message.
func UnmarshalStartRequest(data []byte) (*StartRequest, error) {
	var req StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, sagaerrors.Newf(sagaerrors.CodeMalformedEvent, "decode start request: %v", err)
	}
	if req.OrderID == "" {
		return nil, sagaerrors.New(sagaerrors.CodeMalformedEvent, "order id is required")
	}
	return &req, nil
}

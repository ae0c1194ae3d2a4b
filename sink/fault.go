package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/source"
)

// FaultEventType is the CloudEvents type of dead letters.
const FaultEventType = "relay.fault"

// ReasonExtension carries the failure reason as a CloudEvents extension, so
// brokers can route on it without decoding the data.
const ReasonExtension = "faultreason"

// ErrNotFault is returned by DecodeFault for events of another type.
var ErrNotFault = errors.New("sink: not a fault event")

// Fault is a failed item together with why it failed.
type Fault struct {
	ItemID     string             `json:"itemId"`
	Reason     string             `json:"reason"`
	Payload    []byte             `json:"payload"`
	Attributes message.Attributes `json:"attributes,omitempty"`
	ReceivedAt time.Time          `json:"receivedAt"`
	FailedAt   time.Time          `json:"failedAt"`
}

// NewFault captures item and reason.
func NewFault(item *source.Item, reason error) Fault {
	f := Fault{
		ItemID:     item.ID,
		Payload:    item.Payload,
		Attributes: item.Attributes.Clone(),
		ReceivedAt: item.ReceivedAt,
		FailedAt:   time.Now().UTC(),
	}
	if reason != nil {
		f.Reason = reason.Error()
	}
	return f
}

// Item rebuilds the source item for reprocessing.
func (f Fault) Item() *source.Item {
	return &source.Item{
		ID:         f.ItemID,
		Payload:    f.Payload,
		Attributes: f.Attributes.Clone(),
		ReceivedAt: f.ReceivedAt,
	}
}

// NewFaultEvent wraps f in a CloudEvent emitted by src.
func NewFaultEvent(src string, f Fault) (*cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(message.NewID())
	e.SetType(FaultEventType)
	e.SetSource(src)
	e.SetTime(f.FailedAt)
	if f.ItemID != "" {
		e.SetSubject(f.ItemID)
	}
	if f.Reason != "" {
		e.SetExtension(ReasonExtension, f.Reason)
	}
	if cid := f.Attributes.String(message.AttrCorrelationID); cid != "" {
		e.SetExtension(message.AttrCorrelationID, cid)
	}
	if err := e.SetData(cloudevents.ApplicationJSON, f); err != nil {
		return nil, fmt.Errorf("sink: set fault data: %w", err)
	}
	return &e, nil
}

// EncodeFault renders item and reason as a structured-mode CloudEvent.
func EncodeFault(src string, item *source.Item, reason error) ([]byte, error) {
	e, err := NewFaultEvent(src, NewFault(item, reason))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("sink: encode fault event: %w", err)
	}
	return data, nil
}

// DecodeFault parses a structured-mode CloudEvent written by EncodeFault.
func DecodeFault(data []byte) (Fault, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Fault{}, fmt.Errorf("sink: decode fault event: %w", err)
	}
	if e.Type() != FaultEventType {
		return Fault{}, fmt.Errorf("%w: %q", ErrNotFault, e.Type())
	}
	var f Fault
	if err := e.DataAs(&f); err != nil {
		return Fault{}, fmt.Errorf("sink: decode fault data: %w", err)
	}
	return f, nil
}

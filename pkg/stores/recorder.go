package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// Recorder journals published events under one session. Its Handle method
// is a telemetry.EventSubscriber.
type Recorder struct {
	journal   Journal
	sessionID string
	timeout   time.Duration
	log       *telemetry.Logger
}

// NewRecorder binds journal to sessionID.
func NewRecorder(journal Journal, sessionID string, log *telemetry.Logger) *Recorder {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Recorder{
		journal:   journal,
		sessionID: sessionID,
		timeout:   5 * time.Second,
		log:       log.NewComponentLogger("journal"),
	}
}

// SessionID returns the bound session.
func (r *Recorder) SessionID() string { return r.sessionID }

// Handle routes ledger entries and unit transitions to their own tables and
// everything else to the generic event table. Write failures are logged; the
// journal never stalls the publisher.
func (r *Recorder) Handle(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch event.Type {
	case telemetry.EventTypeLedgerEntry:
		err = r.journal.AppendLedgerEntry(ctx, LedgerFromEvent(r.sessionID, event))
	case telemetry.EventTypeUnitTransition:
		err = r.journal.AppendTransition(ctx, TransitionFromEvent(r.sessionID, event))
	default:
		err = r.journal.AppendEvent(ctx, EventFromEvent(r.sessionID, event))
	}
	if err != nil {
		r.log.WithError(err).WithField("type", event.Type).Warn("failed to journal event")
	}
}

// LedgerFromEvent converts a ledger.entry event.
func LedgerFromEvent(sessionID string, event telemetry.Event) *LedgerRecord {
	return &LedgerRecord{
		SessionID: sessionID,
		Seq:       uint64(event.DataInt("seq")),
		Kind:      event.DataString("kind"),
		Amount:    event.DataInt("amount"),
		Balance:   event.DataInt("balance"),
		UnitID:    event.UnitID,
		Note:      event.DataString("note"),
		At:        event.Timestamp,
	}
}

// TransitionFromEvent converts a unit.transition event.
func TransitionFromEvent(sessionID string, event telemetry.Event) *TransitionRecord {
	return &TransitionRecord{
		SessionID: sessionID,
		UnitID:    event.UnitID,
		Kind:      event.DataString("kind"),
		From:      event.DataString("from"),
		To:        event.DataString("to"),
		Reason:    event.DataString("reason"),
		At:        event.Timestamp,
	}
}

// EventFromEvent converts any event to a generic record with its data as JSON.
func EventFromEvent(sessionID string, event telemetry.Event) *EventRecord {
	data := "{}"
	if len(event.Data) > 0 {
		if b, err := json.Marshal(event.Data); err == nil {
			data = string(b)
		}
	}
	return &EventRecord{
		ID:        event.ID,
		SessionID: sessionID,
		Type:      event.Type,
		Source:    event.Source,
		UnitID:    event.UnitID,
		Level:     event.Level,
		Message:   event.Message,
		Data:      data,
		At:        event.Timestamp,
	}
}

// Package audit wraps internal/store's append-only audit log with a
// fan-out publish on internal/events.Bus. Grounded on
// internal/events/bus.go's publish shape. The Operator API has no route that
// subscribes to the bus, so published events are not streamed to operators.
package audit

import (
	"time"

	"github.com/ironpost/broker/internal/events"
	"github.com/ironpost/broker/internal/store"
)

// AppendStore is the subset of internal/store.Store an audit Log needs to
// persist entries durably.
type AppendStore interface {
	AppendAudit(e store.AuditEntry) error
}

// eventTypeByAction maps a subset of audit actions to the SSE event types
// the Operator API cares about. Actions with no entry here still append
// and publish, just with an empty Type.
var eventTypeByAction = map[string]events.EventType{
	"message.submitted":           events.EventMessageQueued,
	"message.delivered":           events.EventMessageDelivered,
	"message.failed":              events.EventMessageFailed,
	"message.cancelled":           events.EventMessageCancelled,
	"certificate.issued":          events.EventCertIssued,
	"certificate.revoked":         events.EventCertRevoked,
}

// Log appends audit entries to the Store and publishes each on Bus.
type Log struct {
	Store AppendStore
	Bus   *events.Bus
}

// New builds a Log. Bus may be nil, in which case Append only persists.
func New(s AppendStore, bus *events.Bus) *Log {
	return &Log{Store: s, Bus: bus}
}

// AppendAudit satisfies internal/auth.AuditLog and every other caller that
// only needs the persistence half of an audit append.
func (l *Log) AppendAudit(e store.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := l.Store.AppendAudit(e); err != nil {
		return err
	}
	if l.Bus != nil {
		l.Bus.Publish(events.AuditSSEEvent{
			Type:      eventTypeByAction[e.Action],
			MessageID: messageIDFromTarget(e.Action, e.Target),
			ClientCN:  clientCNFromTarget(e.Action, e.Target),
			Detail:    e.DetailsJSON,
			Timestamp: e.At,
		})
	}
	return nil
}

// Append is a convenience wrapper for call sites that don't already have
// an AuditEntry in hand.
func (l *Log) Append(actor, action, target, detail string) error {
	return l.AppendAudit(store.AuditEntry{Actor: actor, Action: action, Target: target, DetailsJSON: detail})
}

func messageIDFromTarget(action, target string) string {
	if len(action) >= 8 && action[:8] == "message." {
		return target
	}
	return ""
}

func clientCNFromTarget(action, target string) string {
	if len(action) >= 7 && action[:7] == "client." {
		return target
	}
	return ""
}

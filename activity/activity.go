// Package activity records lifecycle events: certificate creation, renewal
// and deletion, deployment outcomes, watcher reloads and master-key
// rotation. Emission is fire-and-forget; a failing sink never blocks the
// engine.
package activity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted by the engine.
const (
	KindCertificateCreated = "certificate-created"
	KindCertificateRenewed = "certificate-renewed"
	KindCertificateDeleted = "certificate-deleted"
	KindDeploySucceeded    = "deployment-succeeded"
	KindDeployFailed       = "deployment-failed"
	KindWatcherReload      = "watcher-reload"
	KindMasterKeyRotated   = "master-key-rotated"
	KindStoreReconciled    = "store-reconciled"
)

// Event is one recorded lifecycle occurrence.
type Event struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Actor   string          `json:"actor,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Sink consumes lifecycle events. Implementations must not block the caller
// for longer than a local write.
type Sink interface {
	Emit(kind string, payload any, actor string)
}

// NewEvent builds an Event with a fresh id and the current time. A payload
// that fails to marshal is dropped, not propagated.
func NewEvent(kind string, payload any, actor string) Event {
	ev := Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		Actor: actor,
		At:    time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, any, string) {}

// FanOut forwards each event to every wrapped sink.
type FanOut []Sink

func (f FanOut) Emit(kind string, payload any, actor string) {
	for _, s := range f {
		s.Emit(kind, payload, actor)
	}
}

// Func adapts a function to the Sink interface.
type Func func(kind string, payload any, actor string)

func (f Func) Emit(kind string, payload any, actor string) { f(kind, payload, actor) }

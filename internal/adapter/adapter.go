// Package adapter defines the capability contract the core consumes from a
// provider automation client. Implementations own the protocol; the core only
// drives them through this interface and reacts to their events.
package adapter

import (
	"context"

	"github.com/whatsapp-automation/worker/internal/model"
)

// State is what a fresh probe of the adapter reports.
type State int

const (
	StateClosed State = iota
	StateDegraded
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "closed"
	}
}

// Adapter is one account's handle to the provider.
type Adapter interface {
	Connect(ctx context.Context) error
	State(ctx context.Context) (State, error)
	Send(ctx context.Context, target string, payload model.Payload) (string, error)
	// Teardown releases the handle. It must be safe to call more than once.
	Teardown() error
}

// Enricher is implemented by adapters that can do extra work once ready
// (contact or group sync).
type Enricher interface {
	Enrich(ctx context.Context) error
}

type EventKind string

const (
	EventChallenge     EventKind = "challenge"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailed    EventKind = "auth_failed"
)

// Event is a lifecycle signal emitted by an adapter.
type Event struct {
	Kind EventKind
	// Artifact is the handshake challenge (QR payload) for EventChallenge.
	Artifact     string
	ArtifactPath string
	Reason       string
	Metadata     map[string]string
}

// Factory builds the adapter for a connection. emit may be called from any
// goroutine, at any time until Teardown returns.
type Factory func(connectionID string, emit func(Event)) (Adapter, error)

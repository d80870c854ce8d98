package model

import "time"

// ConnectionState is a step of the per-account connection state machine.
type ConnectionState string

const (
	StateInitializing      ConnectionState = "initializing"
	StateAwaitingHandshake ConnectionState = "awaiting_handshake"
	StateAuthenticated     ConnectionState = "authenticated"
	StateReady             ConnectionState = "ready"
	StateReconnecting      ConnectionState = "reconnecting"
	StateDisconnected      ConnectionState = "disconnected"
	StateFailed            ConnectionState = "failed"
)

// Connection is a snapshot of one account session. The adapter handle itself
// never leaves the lifecycle manager.
type Connection struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	State        ConnectionState `json:"state"`
	Persistent   bool            `json:"persistent"`
	LastActivity time.Time       `json:"last_activity"`
	CreatedAt    time.Time       `json:"created_at"`

	// Latest handshake challenge (QR payload) while awaiting a scan.
	Challenge     string `json:"challenge,omitempty"`
	ChallengePath string `json:"challenge_path,omitempty"`

	// Final is set by an explicit terminate; no reconnect is ever attempted after it.
	Final bool `json:"final"`
	// NonRecoverable is set once reconnect attempts are exhausted.
	NonRecoverable    bool   `json:"non_recoverable"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`

	MessagesSent   int `json:"messages_sent"`
	MessagesFailed int `json:"messages_failed"`
}

// Sendable reports whether a send may be attempted on this connection.
func (c Connection) Sendable() bool {
	return c.State == StateReady
}

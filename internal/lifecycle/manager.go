// Package lifecycle tracks every account connection through its state machine.
//
// A single goroutine (Run) owns the connection map. Public methods and adapter
// callbacks never touch the map directly: they post closures into the
// manager's inbox and, when they need an answer, wait for the closure to run.
package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrTerminated        = errors.New("connection terminated")
	ErrStopped           = errors.New("lifecycle manager stopped")
)

// Config holds the timers of the state machine.
type Config struct {
	ChallengeTimeout  time.Duration
	ReadyTimeout      time.Duration
	EnrichDelay       time.Duration
	ReconnectBase     time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectAttempts int
	ProbeTimeout      time.Duration
	ConnectTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 60 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 45 * time.Second
	}
	if c.EnrichDelay <= 0 {
		c.EnrichDelay = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 2 * time.Minute
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// backoff returns the wait before reconnect attempt n (0-based).
func (c Config) backoff(n int) time.Duration {
	d := c.ReconnectBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.ReconnectMaxDelay {
			return c.ReconnectMaxDelay
		}
	}
	if d > c.ReconnectMaxDelay {
		return c.ReconnectMaxDelay
	}
	return d
}

type timerKind int

const (
	timerChallenge timerKind = iota
	timerReady
	timerReconnect
	timerEnrich
)

type timerRef struct {
	t clockwork.Timer
}

type entry struct {
	conn    model.Connection
	adapter adapter.Adapter
	// gen changes whenever the adapter handle is replaced or released, so
	// events and timers that belong to an older handle are ignored.
	gen    uint64
	timers map[timerKind]*timerRef
}

// Manager is the Connection Lifecycle Manager.
type Manager struct {
	cfg     Config
	factory adapter.Factory
	sink    outcome.Sink
	clock   clockwork.Clock
	log     zerolog.Logger

	inbox   chan func()
	stopped chan struct{}

	// owned by the Run goroutine
	conns map[string]*entry
}

// NewManager creates a manager. Nothing happens until Run is started.
func NewManager(cfg Config, factory adapter.Factory, sink outcome.Sink, clock clockwork.Clock, log zerolog.Logger) *Manager {
	if sink == nil {
		sink = outcome.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		factory: factory,
		sink:    sink,
		clock:   clock,
		log:     log.With().Str("component", "lifecycle").Logger(),
		inbox:   make(chan func(), 256),
		stopped: make(chan struct{}),
		conns:   make(map[string]*entry),
	}
}

// Run owns the connection map until ctx is done. On exit every adapter handle
// is released without marking the connections final, so persistent ones can
// be restored by the next process.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Msg("lifecycle manager started")
	for {
		select {
		case <-ctx.Done():
			for _, e := range m.conns {
				m.release(e)
			}
			close(m.stopped)
			m.log.Info().Int("connections", len(m.conns)).Msg("lifecycle manager stopped")
			return nil
		case fn := <-m.inbox:
			fn()
		}
	}
}

// call runs fn on the owning goroutine and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.inbox <- func() { fn(); close(done) }:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. It must never be called from the owning
// goroutine itself.
func (m *Manager) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.stopped:
	}
}

// Create registers a new connection in Initializing and starts its handshake.
func (m *Manager) Create(ctx context.Context, ownerID string, persistent bool) (string, error) {
	now := m.clock.Now()
	conn := model.Connection{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		State:        model.StateInitializing,
		Persistent:   persistent,
		CreatedAt:    now,
		LastActivity: now,
	}
	var err error
	if cerr := m.call(ctx, func() { err = m.open(conn) }); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err
	}
	return conn.ID, nil
}

// Restore re-opens a connection known from a previous run (stored session).
// It is a no-op when the id is already tracked.
func (m *Manager) Restore(ctx context.Context, conn model.Connection) error {
	var err error
	cerr := m.call(ctx, func() {
		if _, ok := m.conns[conn.ID]; ok {
			return
		}
		now := m.clock.Now()
		conn.State = model.StateInitializing
		conn.Final = false
		conn.NonRecoverable = false
		conn.ReconnectAttempts = 0
		conn.Challenge = ""
		conn.ChallengePath = ""
		conn.LastActivity = now
		if conn.CreatedAt.IsZero() {
			conn.CreatedAt = now
		}
		err = m.open(conn)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// open attaches an adapter to a fresh entry and starts connecting. Runs on the
// owning goroutine.
func (m *Manager) open(conn model.Connection) error {
	e := &entry{conn: conn, timers: make(map[timerKind]*timerRef)}
	if err := m.attach(e); err != nil {
		return errors.Wrapf(err, "create adapter for %s", conn.ID)
	}
	m.conns[conn.ID] = e
	m.record(e)
	m.log.Info().Str("connection_id", conn.ID).Str("owner_id", conn.OwnerID).
		Bool("persistent", conn.Persistent).Msg("connection created")
	m.connectAsync(e)
	return nil
}

// Get returns a snapshot of one connection.
func (m *Manager) Get(ctx context.Context, id string) (model.Connection, error) {
	var (
		conn  model.Connection
		found bool
	)
	if err := m.call(ctx, func() {
		if e, ok := m.conns[id]; ok {
			conn, found = e.conn, true
		}
	}); err != nil {
		return model.Connection{}, err
	}
	if !found {
		return model.Connection{}, errors.Wrap(ErrUnknownConnection, id)
	}
	return conn, nil
}

// List returns every tracked connection, oldest first.
func (m *Manager) List(ctx context.Context) ([]model.Connection, error) {
	var out []model.Connection
	if err := m.call(ctx, func() {
		out = make([]model.Connection, 0, len(m.conns))
		for _, e := range m.conns {
			out = append(out, e.conn)
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// IsSendable reports whether the connection is Ready.
func (m *Manager) IsSendable(ctx context.Context, id string) bool {
	conn, err := m.Get(ctx, id)
	return err == nil && conn.Sendable()
}

// Acquire returns the adapter handle iff the connection is Ready.
func (m *Manager) Acquire(ctx context.Context, id string) (adapter.Adapter, bool) {
	var a adapter.Adapter
	if err := m.call(ctx, func() {
		if e, ok := m.conns[id]; ok && e.conn.Sendable() && e.adapter != nil {
			a = e.adapter
		}
	}); err != nil {
		return nil, false
	}
	return a, a != nil
}

// Touch updates activity and message counters after a send attempt.
func (m *Manager) Touch(id string, sent bool) {
	m.post(func() {
		e, ok := m.conns[id]
		if !ok {
			return
		}
		if sent {
			e.conn.MessagesSent++
		} else {
			e.conn.MessagesFailed++
		}
		e.conn.LastActivity = m.clock.Now()
	})
}

// Downgrade moves a Ready connection whose health probe failed to
// Reconnecting.
func (m *Manager) Downgrade(id, reason string) {
	m.post(func() {
		e, ok := m.conns[id]
		if !ok || e.conn.State != model.StateReady {
			return
		}
		e.conn.LastError = reason
		m.log.Warn().Str("connection_id", id).Str("reason", reason).Msg("health probe failed, downgrading")
		m.transition(e, model.StateReconnecting)
		m.startReconnect(e)
	})
}

// RequestReconnect restarts a persistent connection that has come to rest in
// Disconnected. It reports whether anything was started; in every other state
// it is a no-op.
func (m *Manager) RequestReconnect(ctx context.Context, id string) (bool, error) {
	var (
		started bool
		err     error
	)
	cerr := m.call(ctx, func() {
		e, ok := m.conns[id]
		if !ok {
			err = errors.Wrap(ErrUnknownConnection, id)
			return
		}
		if e.conn.State != model.StateDisconnected || !e.conn.Persistent || e.conn.Final {
			return
		}
		started = true
		if e.adapter == nil || e.conn.NonRecoverable {
			// A fresh handshake with a new handle.
			m.release(e)
			if aerr := m.attach(e); aerr != nil {
				started = false
				err = errors.Wrapf(aerr, "create adapter for %s", id)
				return
			}
			e.conn.NonRecoverable = false
			e.conn.ReconnectAttempts = 0
			m.transition(e, model.StateInitializing)
			m.connectAsync(e)
			return
		}
		m.transition(e, model.StateReconnecting)
		m.startReconnect(e)
	})
	if cerr != nil {
		return false, cerr
	}
	return started, err
}

// Terminate releases the adapter handle and parks the connection in a final
// Disconnected state. Calling it again is a no-op.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	var err error
	cerr := m.call(ctx, func() {
		e, ok := m.conns[id]
		if !ok {
			err = errors.Wrap(ErrUnknownConnection, id)
			return
		}
		if e.conn.Final {
			return
		}
		m.release(e)
		e.conn.Final = true
		e.conn.Challenge = ""
		e.conn.ChallengePath = ""
		m.transition(e, model.StateDisconnected)
		m.log.Info().Str("connection_id", id).Msg("connection terminated")
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// Probe asks the adapter for its current state. A healthy adapter behind a
// connection stuck in Authenticated is promoted to Ready. It returns the
// connection state after the probe.
func (m *Manager) Probe(ctx context.Context, id string) (model.ConnectionState, error) {
	var (
		a     adapter.Adapter
		gen   uint64
		state model.ConnectionState
		found bool
	)
	if err := m.call(ctx, func() {
		if e, ok := m.conns[id]; ok {
			found, a, gen, state = true, e.adapter, e.gen, e.conn.State
		}
	}); err != nil {
		return "", err
	}
	if !found {
		return "", errors.Wrap(ErrUnknownConnection, id)
	}
	if a == nil {
		return state, nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	st, perr := a.State(pctx)
	cancel()

	if err := m.call(ctx, func() {
		e, ok := m.conns[id]
		if !ok {
			return
		}
		state = e.conn.State
		if perr != nil || e.gen != gen || e.conn.State != model.StateAuthenticated {
			return
		}
		if st == adapter.StateConnected {
			m.log.Info().Str("connection_id", id).Msg("probe found adapter healthy, promoting to ready")
			m.becomeReady(e)
			state = e.conn.State
		}
	}); err != nil {
		return "", err
	}
	if perr != nil {
		return state, errors.Wrap(perr, "probe adapter")
	}
	return state, nil
}

// WatchRecovery consumes recovery requests until ctx is done or ch closes.
// Each request re-probes the connection and downgrades it if the adapter no
// longer reports connected.
func (m *Manager) WatchRecovery(ctx context.Context, ch <-chan model.RecoveryRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-ch:
			if !ok {
				return
			}
			m.checkHealth(ctx, req)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context, req model.RecoveryRequest) {
	a, ok := m.Acquire(ctx, req.ConnectionID)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	st, err := a.State(pctx)
	cancel()
	if err == nil && st != adapter.StateClosed {
		m.log.Debug().Str("connection_id", req.ConnectionID).Str("adapter_state", st.String()).
			Msg("recovery check passed")
		return
	}
	reason := req.Reason
	if err != nil {
		reason = err.Error()
	}
	m.Downgrade(req.ConnectionID, reason)
}

package lifecycle

import (
	"context"
	"time"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/model"
)

// Everything in this file runs on the owning goroutine.

func (m *Manager) attach(e *entry) error {
	e.gen++
	id, gen := e.conn.ID, e.gen
	a, err := m.factory(id, func(ev adapter.Event) { m.deliver(id, gen, ev) })
	if err != nil {
		return err
	}
	e.adapter = a
	return nil
}

// deliver routes an adapter event into the inbox. Adapters may emit from
// inside Teardown, which runs on the owning goroutine, so a full inbox falls
// back to a goroutine instead of blocking.
func (m *Manager) deliver(id string, gen uint64, ev adapter.Event) {
	fn := func() {
		e, ok := m.conns[id]
		if !ok || e.gen != gen {
			return
		}
		m.handleEvent(e, ev)
	}
	select {
	case m.inbox <- fn:
	default:
		go m.post(fn)
	}
}

// release stops every timer and tears the adapter handle down.
func (m *Manager) release(e *entry) {
	for kind := range e.timers {
		m.stopTimer(e, kind)
	}
	e.gen++
	if e.adapter == nil {
		return
	}
	if err := e.adapter.Teardown(); err != nil {
		m.log.Warn().Err(err).Str("connection_id", e.conn.ID).Msg("adapter teardown failed")
	}
	e.adapter = nil
}

func (m *Manager) transition(e *entry, to model.ConnectionState) {
	from := e.conn.State
	e.conn.State = to
	e.conn.LastActivity = m.clock.Now()
	m.log.Info().Str("connection_id", e.conn.ID).Str("from", string(from)).Str("state", string(to)).
		Msg("connection state changed")
	m.record(e)
}

func (m *Manager) record(e *entry) {
	if err := m.sink.RecordStateChange(context.Background(), e.conn); err != nil {
		m.log.Warn().Err(err).Str("connection_id", e.conn.ID).Msg("record state change")
	}
}

func (m *Manager) schedule(e *entry, kind timerKind, d time.Duration, fn func(*entry)) {
	m.stopTimer(e, kind)
	ref := &timerRef{}
	id, gen := e.conn.ID, e.gen
	e.timers[kind] = ref
	ref.t = m.clock.AfterFunc(d, func() {
		m.post(func() {
			cur, ok := m.conns[id]
			if !ok || cur.gen != gen || cur.timers[kind] != ref {
				return
			}
			delete(cur.timers, kind)
			fn(cur)
		})
	})
}

func (m *Manager) stopTimer(e *entry, kind timerKind) {
	if ref, ok := e.timers[kind]; ok {
		ref.t.Stop()
		delete(e.timers, kind)
	}
}

func (m *Manager) handleEvent(e *entry, ev adapter.Event) {
	log := m.log.With().Str("connection_id", e.conn.ID).Str("event", string(ev.Kind)).
		Str("state", string(e.conn.State)).Logger()

	switch ev.Kind {
	case adapter.EventChallenge:
		switch e.conn.State {
		case model.StateInitializing:
			e.conn.Challenge, e.conn.ChallengePath = ev.Artifact, ev.ArtifactPath
			m.transition(e, model.StateAwaitingHandshake)
			m.schedule(e, timerChallenge, m.cfg.ChallengeTimeout, m.challengeExpired)
		case model.StateAwaitingHandshake:
			// A refreshed challenge; the expiry window is not extended.
			e.conn.Challenge, e.conn.ChallengePath = ev.Artifact, ev.ArtifactPath
			e.conn.LastActivity = m.clock.Now()
			m.record(e)
		default:
			log.Debug().Msg("ignoring challenge")
		}

	case adapter.EventAuthenticated:
		switch e.conn.State {
		case model.StateInitializing, model.StateAwaitingHandshake:
			m.stopTimer(e, timerChallenge)
			e.conn.Challenge, e.conn.ChallengePath = "", ""
			m.transition(e, model.StateAuthenticated)
			m.schedule(e, timerReady, m.cfg.ReadyTimeout, m.readyOverdue)
		default:
			log.Debug().Msg("ignoring authenticated")
		}

	case adapter.EventReady:
		switch e.conn.State {
		case model.StateInitializing, model.StateAuthenticated, model.StateReconnecting:
			m.becomeReady(e)
		case model.StateReady:
			e.conn.LastActivity = m.clock.Now()
		default:
			log.Debug().Msg("ignoring ready")
		}

	case adapter.EventDisconnected:
		if ev.Reason != "" {
			e.conn.LastError = ev.Reason
		}
		switch e.conn.State {
		case model.StateReady, model.StateAuthenticated:
			m.stopTimer(e, timerReady)
			m.stopTimer(e, timerEnrich)
			if e.conn.Persistent && !e.conn.Final {
				m.transition(e, model.StateReconnecting)
				m.startReconnect(e)
				return
			}
			m.release(e)
			m.transition(e, model.StateDisconnected)
		case model.StateInitializing, model.StateAwaitingHandshake:
			m.release(e)
			e.conn.Challenge, e.conn.ChallengePath = "", ""
			m.transition(e, model.StateDisconnected)
		default:
			// Reconnecting: the pending attempt decides.
			log.Debug().Str("reason", ev.Reason).Msg("ignoring disconnect")
		}

	case adapter.EventAuthFailed:
		if e.conn.Final || e.conn.State == model.StateFailed {
			return
		}
		e.conn.LastError = ev.Reason
		e.conn.Challenge, e.conn.ChallengePath = "", ""
		m.release(e)
		log.Error().Str("reason", ev.Reason).Msg("authentication failed")
		m.transition(e, model.StateFailed)
	}
}

func (m *Manager) becomeReady(e *entry) {
	m.stopTimer(e, timerChallenge)
	m.stopTimer(e, timerReady)
	m.stopTimer(e, timerReconnect)
	e.conn.ReconnectAttempts = 0
	e.conn.NonRecoverable = false
	e.conn.Challenge, e.conn.ChallengePath = "", ""
	m.transition(e, model.StateReady)
	if _, ok := e.adapter.(adapter.Enricher); ok {
		m.schedule(e, timerEnrich, m.cfg.EnrichDelay, m.enrich)
	}
}

func (m *Manager) challengeExpired(e *entry) {
	if e.conn.State != model.StateAwaitingHandshake {
		return
	}
	m.release(e)
	e.conn.Challenge, e.conn.ChallengePath = "", ""
	e.conn.LastError = "handshake challenge expired"
	m.transition(e, model.StateDisconnected)
}

// readyOverdue fires when an Authenticated connection never saw a ready
// signal. The state is kept; a probe may still promote it.
func (m *Manager) readyOverdue(e *entry) {
	if e.conn.State != model.StateAuthenticated {
		return
	}
	id := e.conn.ID
	m.log.Warn().Str("connection_id", id).Dur("waited", m.cfg.ReadyTimeout).
		Msg("no ready signal after authentication, probing adapter")
	go func() {
		if _, err := m.Probe(context.Background(), id); err != nil {
			m.log.Warn().Err(err).Str("connection_id", id).Msg("ready probe failed")
		}
	}()
}

func (m *Manager) enrich(e *entry) {
	en, ok := e.adapter.(adapter.Enricher)
	if !ok || e.conn.State != model.StateReady {
		return
	}
	id, timeout := e.conn.ID, m.cfg.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := en.Enrich(ctx); err != nil {
			m.log.Warn().Err(err).Str("connection_id", id).Msg("post-ready enrichment failed")
			return
		}
		m.log.Debug().Str("connection_id", id).Msg("post-ready enrichment done")
	}()
}

// connectAsync starts the handshake. A connect error before the handshake
// completes leaves the connection Disconnected.
func (m *Manager) connectAsync(e *entry) {
	a, id, gen, timeout := e.adapter, e.conn.ID, e.gen, m.cfg.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := a.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		m.post(func() {
			cur, ok := m.conns[id]
			if !ok || cur.gen != gen {
				return
			}
			switch cur.conn.State {
			case model.StateInitializing, model.StateAwaitingHandshake:
				m.log.Warn().Err(err).Str("connection_id", id).Msg("connect failed")
				cur.conn.LastError = err.Error()
				m.release(cur)
				m.transition(cur, model.StateDisconnected)
			}
		})
	}()
}

func (m *Manager) startReconnect(e *entry) {
	e.conn.ReconnectAttempts = 0
	m.schedule(e, timerReconnect, m.cfg.backoff(0), m.attemptReconnect)
}

func (m *Manager) attemptReconnect(e *entry) {
	if e.conn.State != model.StateReconnecting || e.adapter == nil {
		return
	}
	e.conn.ReconnectAttempts++
	a, id, gen, attempt := e.adapter, e.conn.ID, e.gen, e.conn.ReconnectAttempts
	m.log.Info().Str("connection_id", id).Int("attempt", attempt).Int("max", m.cfg.ReconnectAttempts).
		Msg("reconnecting")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		st := adapter.StateClosed
		err := a.Connect(ctx)
		if err == nil {
			pctx, pcancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			st, err = a.State(pctx)
			pcancel()
		}
		m.post(func() {
			cur, ok := m.conns[id]
			if !ok || cur.gen != gen || cur.conn.State != model.StateReconnecting {
				return
			}
			if err == nil && st == adapter.StateConnected {
				m.becomeReady(cur)
				return
			}
			reason := "adapter not connected after reconnect"
			if err != nil {
				reason = err.Error()
			}
			m.reconnectFailed(cur, reason)
		})
	}()
}

func (m *Manager) reconnectFailed(e *entry, reason string) {
	e.conn.LastError = reason
	if e.conn.ReconnectAttempts >= m.cfg.ReconnectAttempts {
		m.log.Error().Str("connection_id", e.conn.ID).Int("attempts", e.conn.ReconnectAttempts).
			Str("reason", reason).Msg("reconnect attempts exhausted")
		m.release(e)
		e.conn.NonRecoverable = true
		m.transition(e, model.StateDisconnected)
		return
	}
	delay := m.cfg.backoff(e.conn.ReconnectAttempts)
	m.log.Warn().Str("connection_id", e.conn.ID).Int("attempt", e.conn.ReconnectAttempts).
		Dur("retry_in", delay).Str("reason", reason).Msg("reconnect failed")
	m.schedule(e, timerReconnect, delay, m.attemptReconnect)
}

// Package telegram sends operator alerts (disconnects, failed reconnects,
// finished campaigns) to a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
)

const timeLayout = "2006-01-02 15:04:05"

// Sender is the part of *tele.Bot the notifier uses.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier is an outcome.Sink that turns a few records into chat alerts.
// Alerts are queued to a bounded buffer and sent by Run; when the buffer is
// full the alert is dropped.
type Notifier struct {
	outcome.Nop

	sender Sender
	chat   tele.ChatID
	worker string
	alerts chan string
	log    zerolog.Logger

	mu   sync.Mutex
	last map[string]model.ConnectionState
}

// NewBot builds an offline telebot client; no request is made until the first send.
func NewBot(token string) (*tele.Bot, error) {
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return b, nil
}

func NewNotifier(sender Sender, chatID int64, workerID string, log zerolog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		chat:   tele.ChatID(chatID),
		worker: workerID,
		alerts: make(chan string, 32),
		log:    log.With().Str("component", "telegram").Logger(),
		last:   make(map[string]model.ConnectionState),
	}
}

// Run sends queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.alerts:
			if _, err := n.sender.Send(n.chat, msg, tele.ModeHTML); err != nil {
				n.log.Warn().Err(err).Msg("alert not delivered")
			}
		}
	}
}

func (n *Notifier) enqueue(msg string) {
	select {
	case n.alerts <- msg:
	default:
		n.log.Warn().Msg("alert buffer full, dropping alert")
	}
}

func (n *Notifier) RecordStateChange(_ context.Context, c model.Connection) error {
	n.mu.Lock()
	prev := n.last[c.ID]
	n.last[c.ID] = c.State
	n.mu.Unlock()

	at := c.LastActivity.Format(timeLayout)
	switch c.State {
	case model.StateDisconnected:
		if c.Final {
			return nil
		}
		if c.NonRecoverable {
			n.enqueue(fmt.Sprintf("❌ <b>RECONNECT FAILED</b>\n\n📱 Connection: %s\n🖥️ Worker: %s\n⚠️ Needs a new pairing\n⏰ Time: %s",
				esc(c.ID), esc(n.worker), at))
			return nil
		}
		n.enqueue(fmt.Sprintf("⚠️ <b>DISCONNECTED</b>\n\n📱 Connection: %s\n🖥️ Worker: %s\n📝 Reason: %s\n⏰ Time: %s",
			esc(c.ID), esc(n.worker), esc(reason(c)), at))
	case model.StateFailed:
		n.enqueue(fmt.Sprintf("🚨 <b>AUTH FAILED</b>\n\n📱 Connection: %s\n🖥️ Worker: %s\n❌ Error: %s\n⏰ Time: %s",
			esc(c.ID), esc(n.worker), esc(reason(c)), at))
	case model.StateReady:
		if prev == model.StateReconnecting {
			n.enqueue(fmt.Sprintf("✅ <b>RECONNECTED</b>\n\n📱 Connection: %s\n🖥️ Worker: %s\n⏰ Time: %s",
				esc(c.ID), esc(n.worker), at))
		}
	}
	return nil
}

func (n *Notifier) RecordCampaignFinal(_ context.Context, s model.Summary) error {
	title := "✅ <b>CAMPAIGN DONE</b>"
	switch {
	case s.Status == model.CampaignCancelled:
		title = "🛑 <b>CAMPAIGN CANCELLED</b>"
	case s.Status == model.CampaignFailed:
		title = "❌ <b>CAMPAIGN FAILED</b>"
	case s.TimedOut:
		title = "⏱️ <b>CAMPAIGN TIMED OUT</b>"
	}
	n.enqueue(fmt.Sprintf("%s\n\n🆔 Campaign: %s\n📤 Sent: %s / %s\n❌ Failed: %s\n⏱️ Duration: %s\n⏰ Time: %s",
		title, esc(s.CampaignID),
		humanize.Comma(int64(s.Sent)), humanize.Comma(int64(s.Total)), humanize.Comma(int64(s.Failed)),
		s.Duration.Round(time.Second), s.CompletedAt.Format(timeLayout)))
	return nil
}

func reason(c model.Connection) string {
	if c.LastError == "" {
		return "unknown"
	}
	return c.LastError
}

func esc(s string) string {
	return html.EscapeString(s)
}

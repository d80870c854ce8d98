package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/model"
)

var (
	ErrClosed      = errors.New("adapter closed")
	ErrNotLoggedIn = errors.New("not logged in")
)

// Client is one connection's whatsmeow session. The lifecycle manager owns
// reconnects, so the library's auto-reconnect stays off.
type Client struct {
	id   string
	emit func(adapter.Event)
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	wa        *whatsmeow.Client
	degraded  bool
	closed    bool
	stopQR    context.CancelFunc
}

var (
	_ adapter.Adapter  = (*Client)(nil)
	_ adapter.Enricher = (*Client)(nil)
)

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.wa == nil {
		if err := c.open(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	wa := c.wa
	c.mu.Unlock()

	if wa.IsConnected() {
		return nil
	}
	if wa.Store.ID == nil {
		return c.pair(wa)
	}

	c.emit(adapter.Event{Kind: adapter.EventAuthenticated, Metadata: map[string]string{"jid": wa.Store.ID.String()}})
	if err := wa.Connect(); err != nil {
		c.checkProxy(err)
		return errors.Wrap(err, "connect")
	}
	c.waitLogin(ctx, wa)
	return nil
}

// open loads (or creates) the session database and builds the client.
// Callers hold c.mu.
func (c *Client) open(ctx context.Context) error {
	path := filepath.Join(c.opts.SessionsDir, c.id+".db")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(c.log.With().Str("module", "store").Logger()))
	if err != nil {
		return errors.Wrap(err, "open session store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return errors.Wrap(err, "load device")
	}
	if device == nil {
		device = container.NewDevice()
	}

	wa := whatsmeow.NewClient(device, waLog.Zerolog(c.log.With().Str("module", "client").Logger()))
	wa.EnableAutoReconnect = false
	wa.AutoTrustIdentity = true
	if p, ok := c.opts.Proxies.Assign(c.id); ok {
		if err := wa.SetProxyAddress(p.URL()); err != nil {
			_ = container.Close()
			c.opts.Proxies.Release(c.id)
			return errors.Wrapf(err, "set proxy %s", p)
		}
		c.log.Info().Str("proxy", p.String()).Msg("using proxy")
	}
	wa.AddEventHandler(c.handle)

	c.container, c.wa = container, wa
	c.log.Debug().Str("path", path).Bool("paired", device.ID != nil).Msg("session opened")
	return nil
}

// pair starts the QR flow for an unpaired device. Codes arrive as challenge
// events until the phone scans one or the codes run out.
func (c *Client) pair(wa *whatsmeow.Client) error {
	qrCtx, cancel := context.WithCancel(context.Background())
	ch, err := wa.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return errors.Wrap(err, "qr channel")
	}
	c.mu.Lock()
	if c.stopQR != nil {
		c.stopQR()
	}
	c.stopQR = cancel
	c.mu.Unlock()

	go func() {
		for item := range ch {
			if ev, ok := c.qrEvent(item); ok {
				c.emit(ev)
			}
		}
	}()
	if err := wa.Connect(); err != nil {
		cancel()
		c.checkProxy(err)
		return errors.Wrap(err, "connect for pairing")
	}
	return nil
}

// waitLogin gives a stored session a moment to finish logging in so the
// probe that follows a reconnect sees the real state.
func (c *Client) waitLogin(ctx context.Context, wa *whatsmeow.Client) {
	deadline := time.NewTimer(c.opts.LoginWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !wa.IsLoggedIn() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.log.Warn().Dur("waited", c.opts.LoginWait).Msg("session connected but not logged in yet")
			return
		case <-tick.C:
		}
	}
}

func (c *Client) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.KeepAliveTimeout:
		c.setDegraded(true)
		c.log.Warn().Int("errors", v.ErrorCount).Time("last_success", v.LastSuccess).Msg("keep-alive timeout")
	case *events.KeepAliveRestored, *events.Connected:
		c.setDegraded(false)
	case *events.PairSuccess:
		c.mu.Lock()
		if c.stopQR != nil {
			c.stopQR()
			c.stopQR = nil
		}
		c.mu.Unlock()
		c.log.Info().Str("jid", v.ID.String()).Msg("paired")
	}
	if ev, ok := translate(evt); ok {
		c.emit(ev)
	}
}

func (c *Client) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}

func (c *Client) current() (*whatsmeow.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wa, c.degraded
}

func (c *Client) State(context.Context) (adapter.State, error) {
	wa, degraded := c.current()
	switch {
	case wa == nil || !wa.IsConnected():
		return adapter.StateClosed, nil
	case degraded || !wa.IsLoggedIn():
		return adapter.StateDegraded, nil
	default:
		return adapter.StateConnected, nil
	}
}

func (c *Client) Send(ctx context.Context, target string, payload model.Payload) (string, error) {
	wa, _ := c.current()
	if wa == nil || !wa.IsLoggedIn() {
		return "", ErrNotLoggedIn
	}
	jid, err := parseTarget(target)
	if err != nil {
		return "", err
	}
	resp, err := wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(messageText(payload))})
	if err != nil {
		c.checkProxy(err)
		return "", errors.Wrapf(err, "send to %s", jid.User)
	}
	return resp.ID, nil
}

// Enrich loads the synced contact list and announces presence once the
// session is ready.
func (c *Client) Enrich(ctx context.Context) error {
	wa, _ := c.current()
	if wa == nil || !wa.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	contacts, err := wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return errors.Wrap(err, "load contacts")
	}
	if err := wa.SendPresence(ctx, types.PresenceAvailable); err != nil {
		c.log.Debug().Err(err).Msg("presence not sent")
	}
	c.log.Info().Int("contacts", len(contacts)).Msg("contacts loaded")
	return nil
}

func (c *Client) checkProxy(err error) {
	if c.opts.Proxies.Enabled() && isProxyError(err) {
		c.opts.Proxies.MarkBlocked(c.id)
	}
}

func (c *Client) Teardown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wa, container, stopQR := c.wa, c.container, c.stopQR
	c.wa, c.container, c.stopQR = nil, nil, nil
	c.mu.Unlock()

	if stopQR != nil {
		stopQR()
	}
	if wa != nil {
		wa.RemoveEventHandlers()
		wa.Disconnect()
	}
	var result *multierror.Error
	if container != nil {
		if err := container.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close session store"))
		}
	}
	c.opts.Proxies.Release(c.id)
	c.log.Debug().Msg("adapter torn down")
	return result.ErrorOrNil()
}

// Package whatsapp is the connection adapter backed by whatsmeow. Each
// connection gets its own session database, QR artifacts and proxy.
package whatsapp

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"

	"github.com/whatsapp-automation/worker/internal/adapter"
	"github.com/whatsapp-automation/worker/internal/config"
	"github.com/whatsapp-automation/worker/internal/fingerprint"
)

const defaultLoginWait = 5 * time.Second

type Options struct {
	SessionsDir string
	QRDir       string
	Identity    fingerprint.Identity
	Proxies     *config.ProxyPool
	// LoginWait bounds how long Connect waits for a stored session to log in.
	LoginWait time.Duration
	Log       zerolog.Logger
}

type Factory struct {
	opts Options
	log  zerolog.Logger
}

// NewFactory prepares the session and QR directories and sets the companion
// device props shared by every client of this process.
func NewFactory(opts Options) (*Factory, error) {
	for _, dir := range []string{opts.SessionsDir, opts.QRDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	if opts.LoginWait <= 0 {
		opts.LoginWait = defaultLoginWait
	}
	applyDeviceProps(opts.Identity)

	log := opts.Log.With().Str("component", "whatsapp").Logger()
	log.Info().Str("device_id", opts.Identity.DeviceID).Str("os", opts.Identity.OSName).
		Bool("proxy", opts.Proxies.Enabled()).Msg("adapter factory ready")
	return &Factory{opts: opts, log: log}, nil
}

func applyDeviceProps(id fingerprint.Identity) {
	osName := id.OSName
	if osName == "" {
		osName = "Windows"
	}
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.Os = &osName
}

// New builds the adapter for one connection. Nothing touches disk or the
// network until Connect.
func (f *Factory) New(connectionID string, emit func(adapter.Event)) (adapter.Adapter, error) {
	if emit == nil {
		emit = func(adapter.Event) {}
	}
	return &Client{
		id:   connectionID,
		emit: emit,
		opts: f.opts,
		log: f.log.With().Str("connection_id", connectionID).
			Str("device", f.opts.Identity.ForConnection(connectionID)).Logger(),
	}, nil
}

var _ adapter.Factory = (&Factory{}).New

package whatsapp

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"

	"github.com/whatsapp-automation/worker/internal/adapter"
)

const qrSize = 512

// writeQR renders a pairing code to <dir>/<connectionID>.png, replacing the
// previous code for that connection.
func writeQR(dir, connectionID, code string) (string, error) {
	path := filepath.Join(dir, connectionID+".png")
	if err := qrcode.WriteFile(code, qrcode.Medium, qrSize, path); err != nil {
		return "", errors.Wrap(err, "write qr image")
	}
	return path, nil
}

// qrEvent turns a QR channel item into a lifecycle event. A timeout is left
// to the lifecycle manager's own challenge deadline.
func (c *Client) qrEvent(item whatsmeow.QRChannelItem) (adapter.Event, bool) {
	switch item.Event {
	case "code":
		path, err := writeQR(c.opts.QRDir, c.id, item.Code)
		if err != nil {
			c.log.Warn().Err(err).Msg("qr image not saved")
		}
		c.log.Info().Str("path", path).Dur("valid_for", item.Timeout).Msg("qr code issued")
		return adapter.Event{Kind: adapter.EventChallenge, Artifact: item.Code, ArtifactPath: path}, true
	case "success":
		return adapter.Event{Kind: adapter.EventAuthenticated}, true
	case "timeout":
		c.log.Info().Msg("qr codes exhausted")
		return adapter.Event{}, false
	}
	reason := item.Event
	if item.Error != nil {
		reason = item.Error.Error()
	}
	return adapter.Event{Kind: adapter.EventAuthFailed, Reason: "pairing failed: " + reason}, true
}

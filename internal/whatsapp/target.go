package whatsapp

import (
	"strings"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/types"

	"github.com/whatsapp-automation/worker/internal/model"
)

var ErrInvalidTarget = errors.New("invalid target")

// sanitizePhone keeps only the digits of a phone number.
func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(strings.TrimSpace(phone), "+") {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseTarget accepts a full JID ("123@s.whatsapp.net", "...@g.us") or a
// phone number in any common notation.
func parseTarget(target string) (types.JID, error) {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "@") {
		jid, err := types.ParseJID(target)
		if err != nil {
			return types.JID{}, errors.Wrapf(ErrInvalidTarget, "%s: %v", target, err)
		}
		return jid, nil
	}
	phone := sanitizePhone(target)
	if len(phone) < 7 {
		return types.JID{}, errors.Wrapf(ErrInvalidTarget, "%q is not a phone number", target)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

// messageText flattens a payload to the text that is sent. Media upload is
// not supported, so a media reference travels as a trailing line.
func messageText(p model.Payload) string {
	text, ref := strings.TrimSpace(p.Text), strings.TrimSpace(p.MediaRef)
	switch {
	case ref == "":
		return text
	case text == "":
		return ref
	default:
		return text + "\n" + ref
	}
}

var proxyErrors = []string{
	"proxy",
	"socks",
	"connection refused",
	"connection reset",
	"network unreachable",
	"host unreachable",
	"no route to host",
	"i/o timeout",
}

func isProxyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range proxyErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

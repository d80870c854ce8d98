package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/worker/internal/adapter"
)

// translate maps a whatsmeow event to the lifecycle signal it implies.
// Events with no lifecycle meaning return false.
func translate(evt interface{}) (adapter.Event, bool) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		return adapter.Event{
			Kind:     adapter.EventAuthenticated,
			Metadata: map[string]string{"jid": v.ID.String(), "platform": v.Platform},
		}, true
	case *events.Connected:
		return adapter.Event{Kind: adapter.EventReady}, true
	case *events.Disconnected:
		return adapter.Event{Kind: adapter.EventDisconnected, Reason: "connection lost"}, true
	case *events.StreamReplaced:
		return adapter.Event{Kind: adapter.EventDisconnected, Reason: "stream replaced by another client"}, true
	case *events.LoggedOut:
		return adapter.Event{Kind: adapter.EventAuthFailed, Reason: fmt.Sprintf("logged out: %s", v.Reason)}, true
	case *events.TemporaryBan:
		return adapter.Event{Kind: adapter.EventAuthFailed, Reason: v.String()}, true
	case *events.ClientOutdated:
		return adapter.Event{Kind: adapter.EventAuthFailed, Reason: "client outdated"}, true
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return adapter.Event{Kind: adapter.EventAuthFailed, Reason: fmt.Sprintf("connect failure: %s", v.Reason)}, true
		}
		return adapter.Event{Kind: adapter.EventDisconnected, Reason: fmt.Sprintf("connect failure: %s %s", v.Reason, v.Message)}, true
	}
	return adapter.Event{}, false
}

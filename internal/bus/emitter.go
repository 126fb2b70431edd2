package bus

import (
	"encoding/json"
	"fmt"

	"github.com/taquila123/remix-plugin/internal/profile"
	"github.com/taquila123/remix-plugin/internal/protocol"
)

// SendFunc delivers one outbound message to the remote side.
type SendFunc func(protocol.Message) error

// Emitter posts one declared notification to the plugin. Delivery is not
// acknowledged and bypasses the request queue entirely.
type Emitter func(payload json.RawMessage) error

// Emitters builds one outbound sender per notification name declared in the
// profile, keyed by notification name.
func Emitters(p *profile.Profile, send SendFunc) map[string]Emitter {
	out := make(map[string]Emitter)
	for _, name := range p.NotificationNames() {
		key := name
		out[key] = func(payload json.RawMessage) error {
			if err := send(protocol.NewNotification(p.Name, key, payload)); err != nil {
				return fmt.Errorf("emit %q: %w", key, err)
			}
			return nil
		}
	}
	return out
}

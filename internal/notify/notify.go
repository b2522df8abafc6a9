// Package notify surfaces inbound messages to the user.
package notify

import (
	"log"

	"github.com/cereals/chat-client/internal/model"
)

// Notifier is told about every inbound message not authored by the local
// user. Implementations must not block; they run on the frame path.
type Notifier interface {
	Notify(sender model.User, msg model.Message)
}

// LogNotifier writes notifications to the process log. It stands in where
// no desktop notification surface is wired up.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(sender model.User, msg model.Message) {
	name := sender.Username
	if name == "" {
		name = "unknown"
	}
	log.Printf("notify: new message from %s in %s", name, msg.Target.Key())
}

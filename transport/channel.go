package transport

import (
	"context"

	"github.com/BaSui01/minionflow/event"
)

// JobMessage is what the master publishes to minions.
type JobMessage struct {
	JID    string         `json:"jid"`
	Fun    string         `json:"fun"`
	Args   []any          `json:"arg"`
	Kwargs map[string]any `json:"kwarg,omitempty"`
	Target Target         `json:"target"`
	User   string         `json:"user,omitempty"`
}

type pingMessage struct {
	Nonce  string `json:"nonce"`
	Target Target `json:"target"`
}

// PingReplyPrefix matches the replies to one ping.
func PingReplyPrefix(nonce string) string { return "ping/" + nonce + "/" }

// Subscription streams events matching a tag prefix.
type Subscription interface {
	// Next blocks for the next event.
	Next(ctx context.Context) (event.Event, error)
	Close()
}

// Channel is the master side of the master/minion link.
type Channel interface {
	// SendRequest publishes a job to the minions its target selects.
	SendRequest(ctx context.Context, msg *JobMessage) error
	// PublishEvent sends an event to every master.
	PublishEvent(ctx context.Context, ev event.Event) error
	// Subscribe streams minion events whose tag starts with prefix.
	Subscribe(ctx context.Context, prefix string) (Subscription, error)
	// Ping returns the sorted ids of minions answering within the ping timeout.
	Ping(ctx context.Context, target Target) ([]string, error)
	// Known returns every minion id seen since start.
	Known() []string
	Close() error
}

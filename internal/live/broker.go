package live

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

const DefaultChannel = "login_updates"

// Event is whatever arrived on a channel. Subscribers treat every event as
// "something changed" and never route on the payload.
type Event struct {
	Channel    string
	Payload    string
	ReceivedAt time.Time
}

// Handle is one live subscription. Done is closed when the subscription ends,
// either through Close or because the broker lost its connection.
type Handle interface {
	Done() <-chan struct{}
	Close() error
}

type Broker interface {
	Subscribe(ctx context.Context, channel string, onEvent func(Event)) (Handle, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Change is the payload announced after a mutation.
type Change struct {
	Kind string    `json:"kind"`
	Ref  string    `json:"ref,omitempty"`
	At   time.Time `json:"at"`
}

// Announcer publishes change events on a fixed channel. Publish failures are
// logged only: a lost announcement must not fail the mutation that caused it.
type Announcer struct {
	pub     Publisher
	channel string
	log     zerolog.Logger
}

func NewAnnouncer(pub Publisher, channel string, log zerolog.Logger) *Announcer {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Announcer{pub: pub, channel: channel, log: log.With().Str("component", "announcer").Logger()}
}

func (a *Announcer) Announce(ctx context.Context, kind, ref string) {
	if a == nil || a.pub == nil {
		return
	}
	raw, _ := json.Marshal(Change{Kind: kind, Ref: ref, At: time.Now().UTC()})
	if err := a.pub.Publish(ctx, a.channel, string(raw)); err != nil {
		a.log.Warn().Err(err).Str("channel", a.channel).Str("kind", kind).Msg("announce failed")
	}
}

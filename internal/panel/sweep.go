package panel

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultSweepSpec = "@every 30s"

type subscriberCounter interface {
	Subscribers(channel string) int
}

// Sweeper periodically pokes every open page so dropped subscriptions come
// back and offline devices show up without a change event.
type Sweeper struct {
	hub     *Hub
	engine  *cron.Cron
	timeout time.Duration
	log     zerolog.Logger
}

func NewSweeper(hub *Hub, spec string, log zerolog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	s := &Sweeper{
		hub:     hub,
		engine:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 25 * time.Second,
		log:     log.With().Str("component", "sweeper").Logger(),
	}
	if _, err := s.engine.AddFunc(spec, s.Run); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	n := s.hub.Count()
	s.hub.Sweep(ctx)
	ev := s.log.Debug().Int("sessions", n).Dur("took", time.Since(start))
	if c, ok := s.hub.broker.(subscriberCounter); ok {
		ev = ev.Int("subscribers", c.Subscribers(s.hub.opts.Channel))
	}
	ev.Msg("presence sweep")
}

func (s *Sweeper) Start() { s.engine.Start() }

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.engine.Stop().Done()
}

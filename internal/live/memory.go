package live

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker and Publisher.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memHandle]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memHandle]struct{})}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, onEvent func(Event)) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &memHandle{broker: b, channel: channel, onEvent: onEvent, done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memHandle]struct{})
	}
	b.subs[channel][h] = struct{}{}
	b.mu.Unlock()
	return h, nil
}

func (b *MemoryBroker) Publish(_ context.Context, channel, payload string) error {
	ev := Event{Channel: channel, Payload: payload, ReceivedAt: time.Now()}
	for _, h := range b.handles(channel) {
		h.onEvent(ev)
	}
	return nil
}

// Drop ends every subscription on channel, as a lost connection would.
func (b *MemoryBroker) Drop(channel string) {
	b.mu.Lock()
	subs := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()
	for h := range subs {
		h.finish()
	}
}

// Subscribers reports the live handle count on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) handles(channel string) []*memHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*memHandle, 0, len(b.subs[channel]))
	for h := range b.subs[channel] {
		if h.onEvent != nil {
			out = append(out, h)
		}
	}
	return out
}

type memHandle struct {
	broker  *MemoryBroker
	channel string
	onEvent func(Event)
	done    chan struct{}
	once    sync.Once
}

func (h *memHandle) Done() <-chan struct{} { return h.done }

func (h *memHandle) Close() error {
	h.broker.mu.Lock()
	delete(h.broker.subs[h.channel], h)
	h.broker.mu.Unlock()
	h.finish()
	return nil
}

func (h *memHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

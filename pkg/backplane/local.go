package backplane

import (
	"context"
	"sync"
)

// LocalBus is the single-process backplane. With one hub it is effectively a
// no-op; several hubs sharing one LocalBus behave like separate processes
// behind a real backplane, which is how the multi-node paths are tested.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[int]localSub
	next int
}

type localSub struct {
	node string
	h    Handler
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]localSub)}
}

func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	targets := make([]localSub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.node != env.Origin {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.h(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, node string, h Handler) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = localSub{node: node, h: h}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]localSub)
	b.mu.Unlock()
	return nil
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package broadcast

import (
	"context"
	"sync"
	"time"
)

// Memory is a Channel for a single process.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	leases map[string]lease
	closed bool
	now    func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for s := range m.subs[topic] {
		s.push(append([]byte(nil), payload...))
	}

	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, fn func([]byte)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	s := &memorySub{
		owner: m,
		topic: topic,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][s] = struct{}{}

	go s.loop()

	return s, nil
}

func (m *Memory) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[key]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}

	m.leases[key] = lease{owner: owner, expires: now.Add(ttl)}

	return true, nil
}

func (m *Memory) Release(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[key]; ok && l.owner == owner {
		delete(m.leases, key)
	}

	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for topic, subs := range m.subs {
		for s := range subs {
			s.stop()
		}
		delete(m.subs, topic)
	}

	return nil
}

func (m *Memory) unsubscribe(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subs[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.subs, s.topic)
		}
	}
}

// memorySub delivers in publish order from an unbounded queue, so a slow
// subscriber never blocks publishers.
type memorySub struct {
	owner *Memory
	topic string
	fn    func([]byte)

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) push(b []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			b := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}

			s.fn(b)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Close() error {
	s.owner.unsubscribe(s)
	s.stop()
	return nil
}

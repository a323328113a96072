/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
)

var (
	claimScript = redis.NewScript(1, `
local cur = redis.call('GET', KEYS[1])
if cur == false then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(1, `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// Redis is a Channel shared by every process pointed at the same server.
type Redis struct {
	url  string
	pool *redis.Pool
	log  *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

func NewRedis(ctx context.Context, url string, log *zap.Logger) (*Redis, error) {
	r := &Redis{
		url:  url,
		log:  log,
		subs: make(map[*redisSub]struct{}),
		pool: &redis.Pool{
			MaxIdle:     8,
			IdleTimeout: 4 * time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialURLContext(ctx, url)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		r.pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return r, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "PUBLISH", topic, payload)

	return err
}

// Subscribe holds a dedicated connection per subscription, since a
// connection in subscriber mode cannot serve other commands. A lost
// connection is redialed with backoff until the subscription is closed;
// payloads published while it is down are not delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string, fn func([]byte)) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	psc, err := r.dialSubscriber(ctx, topic)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &redisSub{owner: r, topic: topic, psc: psc, ctx: sctx, cancel: cancel}

	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	go s.loop(fn)

	return s, nil
}

func (r *Redis) dialSubscriber(ctx context.Context, topic string) (redis.PubSubConn, error) {
	conn, err := redis.DialURLContext(ctx, r.url)
	if err != nil {
		return redis.PubSubConn{}, fmt.Errorf("dial subscriber: %w", err)
	}

	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(topic); err != nil {
		conn.Close()
		return redis.PubSubConn{}, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	// wait for the confirmation so publishes after Subscribe returns are seen
	switch v := psc.ReceiveContext(ctx).(type) {
	case redis.Subscription:
	case error:
		conn.Close()
		return redis.PubSubConn{}, fmt.Errorf("subscribe %s: %w", topic, v)
	}

	return psc, nil
}

func (r *Redis) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	held, err := redis.Int(claimScript.DoContext(ctx, conn, key, owner, ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}

	return held == 1, nil
}

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := releaseScript.DoContext(ctx, conn, key, owner); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	errs = append(errs, r.pool.Close())

	return errors.Join(errs...)
}

type redisSub struct {
	owner  *Redis
	topic  string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	psc redis.PubSubConn
}

func (s *redisSub) conn() redis.PubSubConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.psc
}

func (s *redisSub) loop(fn func([]byte)) {
	for {
		switch v := s.conn().Receive().(type) {
		case redis.Message:
			fn(v.Data)
		case redis.Subscription:
			if v.Count == 0 {
				return
			}
		case error:
			if s.ctx.Err() != nil {
				return
			}
			s.owner.log.Warn("BROADCAST: Redis subscription lost",
				zap.String("topic", s.topic),
				zap.Error(v))

			if !s.resubscribe() {
				return
			}
		}
	}
}

// resubscribe replaces the dead connection, retrying until it succeeds or
// the subscription is closed.
func (s *redisSub) resubscribe() bool {
	_ = s.conn().Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var psc redis.PubSubConn
	err := backoff.RetryNotify(func() error {
		var err error
		psc, err = s.owner.dialSubscriber(s.ctx, s.topic)
		return err
	}, backoff.WithContext(b, s.ctx), func(err error, wait time.Duration) {
		s.owner.log.Debug("BROADCAST: Redis resubscribe failed",
			zap.String("topic", s.topic),
			zap.Duration("retry", wait),
			zap.Error(err))
	})
	if err != nil {
		return false
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = psc.Close()
		return false
	}
	s.psc = psc
	s.mu.Unlock()

	s.owner.log.Info("BROADCAST: Redis subscription restored", zap.String("topic", s.topic))

	return true
}

func (s *redisSub) Close() error {
	var err error

	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()

		// cancelling first stops a reconnect in progress; closing the
		// connection unblocks Receive. A payload already handed to fn may
		// still be in flight.
		s.mu.Lock()
		s.cancel()
		err = s.psc.Close()
		s.mu.Unlock()
	})

	return err
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package broadcast relays room traffic between server processes. Delivery
// is best effort: a message published while a subscriber is unreachable is
// lost, and ordering is only guaranteed per publisher while connected.
package broadcast

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("broadcast channel closed")

// Channel is a topic-keyed publish/subscribe bus with per-key ownership
// leases, so that exactly one process runs each room.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls fn for every payload published on topic, one at a
	// time, until the subscription is closed.
	Subscribe(ctx context.Context, topic string, fn func([]byte)) (Subscription, error)

	// Claim takes the lease on key for owner, or renews it if owner already
	// holds it. It reports whether owner holds the lease afterwards.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release drops the lease on key if owner holds it.
	Release(ctx context.Context, key, owner string) error

	Close() error
}

type Subscription interface {
	Close() error
}

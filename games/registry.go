/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package games runs guessparty rooms. Every process keeps a Room for each
// game its clients are connected to; the process holding a room's lease
// runs the authoritative session and the others relay frames to it over the
// broadcast channel.
package games

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Seednode/guessparty/games/broadcast"
	"github.com/Seednode/guessparty/games/kinds"
	"github.com/Seednode/guessparty/games/roster"
	"github.com/Seednode/guessparty/games/session"
)

var (
	ErrUnknownKind = errors.New("unknown game kind")
	ErrInvalidRoom = errors.New("invalid room id")
	ErrClosed      = errors.New("registry closed")
)

var validRoomID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const DefaultLeaseTTL = 30 * time.Second

type Options struct {
	Channel broadcast.Channel
	Logger  *zap.Logger

	// Session tunes every session this process runs.
	Session session.Options

	LeaseTTL    time.Duration
	IdleTimeout time.Duration

	// Kinds resolves kind names; it defaults to the built-in catalog.
	Kinds func(name string) (session.Kind, bool)
}

// Registry holds the rooms this process knows about, keyed by kind and
// room ID.
type Registry struct {
	ch     broadcast.Channel
	log    *zap.Logger
	opts   Options
	owner  string
	roster *roster.Set

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
	group  singleflight.Group

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Channel == nil {
		opts.Channel = broadcast.NewMemory()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Kinds == nil {
		opts.Kinds = kinds.Lookup
	}

	g := &Registry{
		ch:    opts.Channel,
		log:   opts.Logger,
		opts:  opts,
		owner: uuid.NewString(),
		rooms: make(map[string]*Room),
		quit:  make(chan struct{}),
	}
	g.roster = roster.New(g.connectionGone)

	if opts.IdleTimeout > 0 {
		g.wg.Add(1)
		go g.reaperLoop()
	}

	return g
}

// ValidRoomID reports whether id can name a room.
func ValidRoomID(id string) bool {
	return validRoomID.MatchString(id)
}

func roomKey(kind, roomID string) string {
	return kind + ":" + roomID
}

// GetOrCreate returns the room for kind and roomID, opening it on first
// use. Concurrent first calls for the same room share one Room.
func (g *Registry) GetOrCreate(ctx context.Context, kind, roomID string) (*Room, error) {
	k, ok := g.opts.Kinds(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !ValidRoomID(roomID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, roomID)
	}

	key := roomKey(kind, roomID)

	if r, ok := g.Lookup(kind, roomID); ok {
		return r, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		if r, ok := g.Lookup(kind, roomID); ok {
			return r, nil
		}

		r, err := openRoom(ctx, g, k, roomID)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		if g.closed {
			r.stop()
			return nil, ErrClosed
		}
		g.rooms[key] = r

		g.log.Info("GAMES: Opened room", zap.String("kind", kind), zap.String("room", roomID))

		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Room), nil
}

func (g *Registry) Lookup(kind, roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomKey(kind, roomID)]
	return r, ok
}

// Len returns the number of open rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.rooms)
}

// NewRoomID generates a crypto-random room ID that is not open locally.
func (g *Registry) NewRoomID(kind string) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if _, exists := g.Lookup(kind, id); !exists {
			return id
		}
	}
}

func (g *Registry) connectionGone(key, handle string) {
	g.mu.Lock()
	r, ok := g.rooms[key]
	g.mu.Unlock()

	if ok {
		g.log.Debug("GAMES: Dropped unresponsive connection", zap.String("key", key), zap.String("handle", handle))
		r.disconnected(handle)
	}
}

// reaperLoop periodically stops rooms with no local connections that have
// been idle longer than the idle timeout.
func (g *Registry) reaperLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-g.quit:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-g.opts.IdleTimeout)

		var idle []*Room
		g.mu.Lock()
		for key, r := range g.rooms {
			if g.roster.Len(key) == 0 && r.lastActive().Before(cutoff) {
				delete(g.rooms, key)
				idle = append(idle, r)
			}
		}
		g.mu.Unlock()

		for _, r := range idle {
			g.log.Info("GAMES: Reaped idle room", zap.String("kind", r.kind.Name), zap.String("room", r.id))
			r.stop()
		}
	}
}

// Close stops every room and releases their leases. The channel is left
// open for the caller to close.
func (g *Registry) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true

	rooms := make([]*Room, 0, len(g.rooms))
	for key, r := range g.rooms {
		rooms = append(rooms, r)
		delete(g.rooms, key)
	}
	g.mu.Unlock()

	close(g.quit)
	g.wg.Wait()

	for _, r := range rooms {
		r.stop()
	}

	return nil
}

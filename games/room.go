/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package games

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Seednode/guessparty/games/broadcast"
	"github.com/Seednode/guessparty/games/roster"
	"github.com/Seednode/guessparty/games/session"
)

const mailboxSize = 64

// envelope is what the owning process publishes on a room's out topic.
// An empty To addresses every connection in the room.
type envelope struct {
	To   string          `json:"to,omitempty"`
	Body json.RawMessage `json:"body"`
}

// Room is one game room as seen by this process. All session work happens
// on the room's own goroutine, one mailbox entry at a time.
type Room struct {
	reg  *Registry
	kind session.Kind
	id   string
	key  string
	log  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}

	active atomic.Int64
	owned  atomic.Bool

	// owned by the run goroutine
	sess   *session.Session
	gen    int
	inSub  broadcast.Subscription
	outSub broadcast.Subscription
}

func openRoom(ctx context.Context, reg *Registry, kind session.Kind, roomID string) (*Room, error) {
	rctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		reg:     reg,
		kind:    kind,
		id:      roomID,
		key:     roomKey(kind.Name, roomID),
		log:     reg.log.With(zap.String("kind", kind.Name), zap.String("room", roomID)),
		ctx:     rctx,
		cancel:  cancel,
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.touch()

	sub, err := reg.ch.Subscribe(ctx, r.outTopic(), r.deliver)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", r.outTopic(), err)
	}
	r.outSub = sub

	go r.run()

	return r, nil
}

// Owned reports whether this process currently runs the room's session.
func (r *Room) Owned() bool { return r.owned.Load() }

func (r *Room) inTopic() string  { return r.key + ":in" }
func (r *Room) outTopic() string { return r.key + ":out" }
func (r *Room) leaseKey() string { return r.key + ":owner" }

func (r *Room) touch() {
	r.active.Store(time.Now().UnixNano())
}

func (r *Room) lastActive() time.Time {
	return time.Unix(0, r.active.Load())
}

func (r *Room) run() {
	defer close(r.done)

	ticker := time.NewTicker(max(r.reg.opts.LeaseTTL/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			r.shutdown()
			return
		case fn := <-r.mailbox:
			fn()
		case <-ticker.C:
			r.renew()
		}
	}
}

// post queues fn on the room goroutine. It reports false once the room
// has stopped.
func (r *Room) post(fn func()) bool {
	select {
	case <-r.quit:
		return false
	default:
	}

	select {
	case r.mailbox <- fn:
		return true
	case <-r.quit:
		return false
	}
}

// call runs fn on the room goroutine and waits for it to finish.
func (r *Room) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !r.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a local connection and asks the session for a snapshot.
func (r *Room) Attach(ctx context.Context, handle string, conn roster.Conn) error {
	r.reg.roster.Register(r.key, handle, conn)
	r.touch()

	var err error
	if cerr := r.call(ctx, func() {
		r.claim()
		err = r.publishIn(session.Frame{Method: "connect", Conn: handle})
	}); cerr != nil {
		r.reg.roster.Unregister(r.key, handle)
		return cerr
	}

	return err
}

// Submit relays a frame read from a local connection. The connection
// handle is stamped onto the frame, overwriting anything the client sent.
func (r *Room) Submit(handle string, data []byte) {
	r.touch()

	var f session.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.sendLocalError(handle, fmt.Errorf("%w: %v", session.ErrProtocol, err))
		return
	}
	f.Conn = handle

	r.post(func() {
		r.claim()
		if err := r.publishIn(f); err != nil {
			r.log.Warn("GAMES: Relaying frame failed", zap.String("handle", handle), zap.Error(err))
		}
	})
}

// Detach unregisters a local connection whose socket has closed.
func (r *Room) Detach(handle string) {
	if r.reg.roster.Unregister(r.key, handle) {
		r.disconnected(handle)
	}
}

func (r *Room) disconnected(handle string) {
	r.post(func() {
		if err := r.publishIn(session.Frame{Method: "disconnect", Conn: handle}); err != nil {
			r.log.Warn("GAMES: Relaying disconnect failed", zap.String("handle", handle), zap.Error(err))
		}
	})
}

func (r *Room) sendLocalError(handle string, err error) {
	body, _ := json.Marshal(map[string]string{"method": "error", "message": err.Error()})
	r.reg.roster.SendTo(r.key, handle, body)
}

func (r *Room) publishIn(f session.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	return r.reg.ch.Publish(r.ctx, r.inTopic(), b)
}

// deliver hands an envelope from the out topic to local connections.
func (r *Room) deliver(b []byte) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		r.log.Warn("GAMES: Dropping malformed envelope", zap.Error(err))
		return
	}

	if env.To == "" {
		r.reg.roster.Broadcast(r.key, env.Body)
		return
	}
	r.reg.roster.SendTo(r.key, env.To, env.Body)
}

// claim takes the room lease if nobody holds it and starts a session.
func (r *Room) claim() {
	if r.sess != nil {
		return
	}

	ok, err := r.reg.ch.Claim(r.ctx, r.leaseKey(), r.reg.owner, r.reg.opts.LeaseTTL)
	if err != nil {
		r.log.Warn("GAMES: Claiming room failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	sub, err := r.reg.ch.Subscribe(r.ctx, r.inTopic(), func(b []byte) {
		r.post(func() { r.handle(b) })
	})
	if err != nil {
		r.log.Warn("GAMES: Subscribing to room input failed", zap.Error(err))
		_ = r.reg.ch.Release(r.ctx, r.leaseKey(), r.reg.owner)
		return
	}

	r.gen++
	r.inSub = sub
	r.sess = session.New(r.kind, r.id, outbox{r}, scheduler{r, r.gen}, r.sessionOptions())
	r.owned.Store(true)

	r.log.Info("GAMES: Took ownership of room", zap.String("owner", r.reg.owner))
}

func (r *Room) sessionOptions() session.Options {
	opts := r.reg.opts.Session
	opts.Logger = r.reg.log

	return opts
}

// renew keeps the lease alive while this process owns the room, and picks
// up an abandoned room while it still has local connections.
func (r *Room) renew() {
	if r.sess == nil {
		if r.reg.roster.Len(r.key) > 0 {
			r.claim()
		}
		return
	}

	ok, err := r.reg.ch.Claim(r.ctx, r.leaseKey(), r.reg.owner, r.reg.opts.LeaseTTL)
	switch {
	case err != nil:
		r.log.Warn("GAMES: Renewing room lease failed", zap.Error(err))
	case !ok:
		r.log.Warn("GAMES: Lost room lease")
		r.abdicate(false)
	}
}

// abdicate drops the local session, releasing the lease if asked to.
func (r *Room) abdicate(release bool) {
	if r.sess == nil {
		return
	}

	if r.inSub != nil {
		_ = r.inSub.Close()
		r.inSub = nil
	}
	r.sess = nil
	r.owned.Store(false)

	if release {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := r.reg.ch.Release(ctx, r.leaseKey(), r.reg.owner); err != nil {
			r.log.Warn("GAMES: Releasing room lease failed", zap.Error(err))
		}
	}
}

// handle applies one relayed frame to the session.
func (r *Room) handle(b []byte) {
	if r.sess == nil {
		return
	}
	r.touch()

	var f session.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		r.log.Debug("GAMES: Dropping undecodable frame", zap.Error(err))
		return
	}

	cmd, err := f.Command()
	if err != nil {
		r.sess.Reject(f.Conn, err)
		return
	}

	if err := r.sess.Dispatch(cmd); err != nil {
		r.log.Debug("GAMES: Rejected frame",
			zap.String("method", f.Method),
			zap.String("player", f.Name),
			zap.Error(err))
	}

	// a room emptied on this process gives up the lease so that whichever
	// process next sees a client can run it
	switch cmd.(type) {
	case session.Leave, session.Disconnect:
		if r.sess.PlayerCount() == 0 && !r.sess.Connected() && r.reg.roster.Len(r.key) == 0 {
			r.abdicate(true)
		}
	}
}

func (r *Room) stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.done
}

func (r *Room) shutdown() {
	r.abdicate(true)

	if r.outSub != nil {
		_ = r.outSub.Close()
	}
	r.cancel()

	if n := r.reg.roster.Drop(r.key); n > 0 {
		r.log.Info("GAMES: Closed connections of stopped room", zap.Int("connections", n))
	}
}

// outbox publishes session output to every process serving the room.
type outbox struct {
	r *Room
}

func (o outbox) Broadcast(m session.Message) {
	o.publish("", m)
}

func (o outbox) SendTo(handle string, m session.Message) {
	o.publish(handle, m)
}

func (o outbox) publish(to string, m session.Message) {
	body, err := json.Marshal(m)
	if err != nil {
		o.r.log.Error("GAMES: Encoding message failed", zap.String("method", m.Method), zap.Error(err))
		return
	}

	b, err := json.Marshal(envelope{To: to, Body: body})
	if err != nil {
		o.r.log.Error("GAMES: Encoding envelope failed", zap.Error(err))
		return
	}

	if err := o.r.reg.ch.Publish(o.r.ctx, o.r.outTopic(), b); err != nil {
		o.r.log.Warn("GAMES: Publishing message failed", zap.String("method", m.Method), zap.Error(err))
	}
}

// scheduler runs session timers on the room goroutine, and drops them if
// the session they were set by is gone.
type scheduler struct {
	r   *Room
	gen int
}

func (s scheduler) After(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		s.r.post(func() {
			if s.r.sess == nil || s.r.gen != s.gen {
				return
			}
			fn()
		})
	})
}

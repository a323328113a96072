/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"
)

const noOne = "No one"

// Outbox delivers outbound messages to connections. Implementations must not
// report transport failures back to the Session; a failed send comes back
// later as a Disconnect command.
type Outbox interface {
	Broadcast(m Message)
	SendTo(handle string, m Message)
}

// Scheduler runs fn after d on the Session's own thread of control.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// Options tune a Session. Zero values fall back to the defaults below.
type Options struct {
	Rounds     int
	StartDelay time.Duration
	Grace      time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

const (
	DefaultRounds     = 10
	DefaultStartDelay = time.Second
	DefaultGrace      = time.Minute
)

// Session is the round state machine of one room. It is not safe for
// concurrent use: every call must come from the room's single dispatcher.
type Session struct {
	kind   Kind
	roomID string
	out    Outbox
	sched  Scheduler
	opts   Options
	log    *zap.Logger

	state    State
	active   bool
	starting bool
	roundID  int
	target   any
	reveal   json.RawMessage
	config   StartConfig
	rng      *rand.Rand

	order      []string
	players    map[string]*PlayerState
	spectators map[string]string

	// epoch invalidates timers scheduled before a reset or game end.
	epoch int
}

// New returns a fresh Session in the lobby.
func New(kind Kind, roomID string, out Outbox, sched Scheduler, opts Options) *Session {
	if opts.Rounds <= 0 {
		opts.Rounds = DefaultRounds
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = 0
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if kind.MinPlayers < 1 {
		kind.MinPlayers = 1
	}

	s := &Session{
		kind:   kind,
		roomID: roomID,
		out:    out,
		sched:  sched,
		opts:   opts,
		log:    opts.Logger.With(zap.String("kind", kind.Name), zap.String("room", roomID)),
	}
	s.reset()

	return s
}

func (s *Session) reset() {
	s.state = Lobby
	s.active = false
	s.starting = false
	s.roundID = 1
	s.target = nil
	s.reveal = nil
	s.config = StartConfig{}
	s.rng = nil
	s.order = nil
	s.players = make(map[string]*PlayerState)
	s.spectators = make(map[string]string)
	s.epoch++
}

func (s *Session) State() State     { return s.state }
func (s *Session) RoundID() int     { return s.roundID }
func (s *Session) Target() any      { return s.target }
func (s *Session) Active() bool     { return s.active }
func (s *Session) PlayerCount() int { return len(s.order) }

// Player returns a copy of the named player's state.
func (s *Session) Player(name string) (PlayerState, bool) {
	p, ok := s.players[name]
	if !ok {
		return PlayerState{}, false
	}
	return *p, true
}

// Players returns the seated player names in join order.
func (s *Session) Players() []string {
	return append([]string(nil), s.order...)
}

// Connected reports whether any seated player or spectator still has a
// connection bound.
func (s *Session) Connected() bool {
	for _, p := range s.players {
		if p.Handle != "" {
			return true
		}
	}
	return len(s.spectators) > 0
}

// Dispatch applies cmd. Rejected commands are answered with a "<verb>_error"
// message to the sending connection; the returned error is for logging only.
func (s *Session) Dispatch(cmd Command) error {
	var err error

	switch c := cmd.(type) {
	case Connect:
		s.Connect(c.Conn)
	case Join:
		err = s.Join(c.Name, c.Conn)
	case Leave:
		err = s.Leave(c.Name, c.Conn)
	case Start:
		err = s.Start(c.Name, c.Conn, c.Config)
	case Play:
		err = s.SubmitGuess(c.Name, c.Conn, c.Guess, c.Reveal)
	case Acknowledge:
		err = s.Acknowledge(c.Name, c.Conn)
	case Disconnect:
		s.Disconnect(c.Conn)
	default:
		err = fmt.Errorf("%w: unsupported command %T", ErrProtocol, cmd)
	}

	if err != nil {
		s.reject(cmd.Handle(), cmd.verb()+"_error", err)
	}

	return err
}

// Reject answers a frame that could not be decoded into a command.
func (s *Session) Reject(handle string, err error) {
	s.reject(handle, "error", err)
}

func (s *Session) reject(handle, method string, err error) {
	if handle == "" {
		return
	}

	m := s.message(method, map[string]any{"message": rejectText(err)})
	s.out.SendTo(handle, m)
}

func rejectText(err error) string {
	switch {
	case errors.Is(err, ErrPlayerExists):
		return "Player already exists"
	case errors.Is(err, ErrGameStarted):
		return "Game already started"
	case errors.Is(err, ErrInsufficientPlayers):
		return "Not enough players to start"
	default:
		return err.Error()
	}
}

// Connect sends a freshly opened connection the current room state.
func (s *Session) Connect(handle string) {
	s.out.SendTo(handle, s.message("connect", nil))
}

// Join seats a new player in the lobby, or rebinds a disconnected player's
// connection and resumes them at the current round.
func (s *Session) Join(name, handle string) error {
	if other, ok := s.boundTo(handle); ok && other != name {
		return fmt.Errorf("join %q: %w: connection is already seated as %q", name, ErrProtocol, other)
	}

	if p, ok := s.players[name]; ok {
		if p.Handle != "" {
			return fmt.Errorf("join %q: %w", name, ErrPlayerExists)
		}

		p.Handle = handle
		p.DisconnectedAt = time.Time{}
		s.log.Info("GAMES: Player reconnected", zap.String("player", name), zap.Int("round", s.roundID))
		s.out.SendTo(handle, s.message("resume", nil))

		return nil
	}

	if s.state != Lobby || s.starting {
		if s.kind.Spectators {
			s.spectators[name] = handle
			s.out.SendTo(handle, s.message("spectate", map[string]any{
				"message": "Game already started, but you can watch!",
			}))
			return nil
		}
		return fmt.Errorf("join %q: %w", name, ErrGameStarted)
	}

	s.players[name] = &PlayerState{Name: name, Handle: handle}
	s.order = append(s.order, name)
	s.log.Info("GAMES: Player joined", zap.String("player", name))
	s.out.Broadcast(s.message("join", map[string]any{"name": name}))

	return nil
}

// Start resets scores and schedules the first round after the start delay.
func (s *Session) Start(name, handle string, cfg StartConfig) error {
	if s.state != Lobby || s.starting {
		return fmt.Errorf("start: %w", ErrGameStarted)
	}
	if _, err := s.seated(name, handle); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if len(s.order) < s.kind.MinPlayers {
		return fmt.Errorf("start with %d of %d players: %w", len(s.order), s.kind.MinPlayers, ErrInsufficientPlayers)
	}

	s.config = cfg
	s.rng = newRand(cfg.Seed)
	s.roundID = 1
	s.reveal = nil
	s.starting = true

	for _, n := range s.order {
		p := s.players[n]
		p.Score = 0
		p.Added = nil
		p.Guess = nil
		p.Acknowledged = false
		p.Alive = true
	}

	s.log.Info("GAMES: Game starting", zap.String("player", name), zap.Int("players", len(s.order)))

	epoch := s.epoch
	s.sched.After(s.opts.StartDelay, func() {
		if s.epoch != epoch || !s.starting {
			return
		}
		s.AdvanceRound()
	})

	return nil
}

func newRand(seed *float64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	bits := math.Float64bits(*seed)
	return rand.New(rand.NewPCG(bits, bits^0x9e3779b97f4a7c15))
}

// AdvanceRound moves to the next round, or ends the game once the round
// limit has been played.
func (s *Session) AdvanceRound() {
	if s.state == Evaluated {
		s.roundID++
	}

	if s.roundID > s.opts.Rounds {
		s.end(s.leader())
		return
	}

	if alive := s.alive(); len(alive) < s.kind.MinPlayers {
		s.end(soleSurvivor(alive))
		return
	}

	for _, n := range s.order {
		p := s.players[n]
		p.Guess = nil
		p.Added = nil
		p.Acknowledged = false
	}
	s.reveal = nil

	target, err := s.kind.Strategy.Target(s.context())
	if err != nil {
		s.log.Error("GAMES: Generating round target failed", zap.Int("round", s.roundID), zap.Error(err))
		s.out.Broadcast(s.message("error", map[string]any{"message": "could not start the next round"}))
		s.end(noOne)
		return
	}

	s.target = target
	s.starting = false
	s.active = true
	s.state = AwaitingGuesses

	s.log.Debug("GAMES: Round started", zap.Int("round", s.roundID))
	s.out.Broadcast(s.message("next", nil))
}

// SubmitGuess records a guess and evaluates the round once every alive
// player has submitted.
func (s *Session) SubmitGuess(name, handle string, guess, reveal json.RawMessage) error {
	if s.state != AwaitingGuesses {
		return fmt.Errorf("%w: play while %s", ErrProtocol, s.state)
	}

	p, err := s.seated(name, handle)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	if !p.Alive {
		return fmt.Errorf("%w: %q is not alive", ErrProtocol, name)
	}

	if v, ok := s.kind.Strategy.(GuessValidator); ok {
		if err := v.ValidateGuess(guess); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	p.Guess = guess
	if len(reveal) > 0 {
		s.reveal = reveal
	}

	s.out.Broadcast(s.message("play", map[string]any{"name": name}))

	if s.allSubmitted() {
		s.EvaluateRound()
	}

	return nil
}

// EvaluateRound scores the submitted guesses and publishes the results.
// The round id is advanced by the following AdvanceRound.
func (s *Session) EvaluateRound() {
	guesses := make(map[string]json.RawMessage)
	for _, n := range s.order {
		p := s.players[n]
		if p.Alive && p.Guess != nil {
			guesses[n] = p.Guess
		}
	}

	outcome, err := s.kind.Strategy.Score(s.context(), guesses)
	if err != nil {
		// partial outcomes still count; a bad guess only costs its sender
		s.log.Warn("GAMES: Scoring round failed", zap.Int("round", s.roundID), zap.Error(err))
	}

	for _, n := range s.order {
		p := s.players[n]
		if _, ok := guesses[n]; !ok {
			continue
		}
		delta := outcome.Deltas[n]
		p.Score += delta
		p.Added = &delta
	}

	s.state = Evaluated
	s.log.Debug("GAMES: Round evaluated", zap.Int("round", s.roundID))
	s.out.Broadcast(s.message("evaluate", outcome.Extra))
}

// Acknowledge marks a player ready for the next round.
func (s *Session) Acknowledge(name, handle string) error {
	if s.state != Evaluated {
		return fmt.Errorf("%w: acknowledge while %s", ErrProtocol, s.state)
	}

	p, err := s.seated(name, handle)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}

	p.Acknowledged = true
	s.out.Broadcast(s.message("acknowledge", map[string]any{"name": name}))

	if s.allAcknowledged() {
		s.AdvanceRound()
	}

	return nil
}

// Leave removes a player (or spectator) from the room.
func (s *Session) Leave(name, handle string) error {
	if h, ok := s.spectators[name]; ok && h == handle {
		delete(s.spectators, name)
		return nil
	}

	if _, err := s.seated(name, handle); err != nil {
		return fmt.Errorf("leave: %w", err)
	}

	s.remove(name)

	return nil
}

// remove takes a player out of the roster and resolves whatever the
// departure unblocks: a collapsed game, a completed round, or an empty room.
func (s *Session) remove(name string) {
	delete(s.players, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	s.log.Info("GAMES: Player left", zap.String("player", name))
	s.out.Broadcast(s.message("leave", map[string]any{"name": name}))

	if len(s.order) == 0 {
		s.log.Info("GAMES: Room empty, resetting")
		s.reset()
		return
	}

	if s.active || s.starting {
		if alive := s.alive(); len(alive) < s.kind.MinPlayers {
			s.end(soleSurvivor(alive))
			return
		}
	}

	switch s.state {
	case AwaitingGuesses:
		if s.allSubmitted() {
			s.EvaluateRound()
		}
	case Evaluated:
		if s.allAcknowledged() {
			s.AdvanceRound()
		}
	}
}

// Disconnect unbinds a connection. In the lobby that is the same as leaving;
// mid-game the player keeps their seat until the grace window runs out.
func (s *Session) Disconnect(handle string) {
	for name, h := range s.spectators {
		if h == handle {
			delete(s.spectators, name)
			return
		}
	}

	var p *PlayerState
	for _, n := range s.order {
		if s.players[n].Handle == handle {
			p = s.players[n]
			break
		}
	}
	if p == nil {
		return
	}

	if s.state == Lobby && !s.starting {
		s.remove(p.Name)
		return
	}

	p.Handle = ""
	p.DisconnectedAt = s.opts.Now()
	s.log.Info("GAMES: Player disconnected", zap.String("player", p.Name), zap.Duration("grace", s.opts.Grace))

	epoch := s.epoch
	s.sched.After(s.opts.Grace, func() {
		if s.epoch != epoch {
			return
		}
		s.Sweep(s.opts.Now())
	})
}

// Sweep resets the room when every seated player is disconnected, and
// otherwise drops players whose grace window has expired.
func (s *Session) Sweep(now time.Time) {
	if len(s.order) == 0 {
		return
	}

	connected := 0
	for _, p := range s.players {
		if p.Handle != "" {
			connected++
		}
	}
	if connected == 0 {
		s.log.Info("GAMES: All players disconnected, resetting")
		s.reset()
		return
	}

	for _, n := range append([]string(nil), s.order...) {
		p, ok := s.players[n]
		if !ok || p.Handle != "" {
			continue
		}
		if now.Sub(p.DisconnectedAt) >= s.opts.Grace {
			s.remove(n)
		}
	}
}

func (s *Session) end(winner string) {
	s.state = Ended
	s.log.Info("GAMES: Game ended", zap.String("winner", winner), zap.Int("round", s.roundID))
	s.out.Broadcast(s.message("end", map[string]any{"winner": winner}))

	s.state = Lobby
	s.active = false
	s.starting = false
	s.epoch++

	// the epoch bump dropped their grace timers, and a lobby has no seat
	// to hold for a missing connection
	for _, n := range append([]string(nil), s.order...) {
		if p, ok := s.players[n]; ok && p.Handle == "" {
			s.remove(n)
		}
	}
}

// boundTo returns the player or spectator name a connection is seated as.
func (s *Session) boundTo(handle string) (string, bool) {
	for _, n := range s.order {
		if s.players[n].Handle == handle {
			return n, true
		}
	}
	for n, h := range s.spectators {
		if h == handle {
			return n, true
		}
	}
	return "", false
}

func (s *Session) seated(name, handle string) (*PlayerState, error) {
	p, ok := s.players[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownPlayer)
	}
	if p.Handle != handle {
		return nil, fmt.Errorf("%w: %q is not bound to this connection", ErrProtocol, name)
	}
	return p, nil
}

func (s *Session) alive() []string {
	var out []string
	for _, n := range s.order {
		if s.players[n].Alive {
			out = append(out, n)
		}
	}
	return out
}

func (s *Session) allSubmitted() bool {
	alive := s.alive()
	if len(alive) == 0 {
		return false
	}
	for _, n := range alive {
		if s.players[n].Guess == nil {
			return false
		}
	}
	return true
}

func (s *Session) allAcknowledged() bool {
	alive := s.alive()
	if len(alive) == 0 {
		return false
	}
	for _, n := range alive {
		if !s.players[n].Acknowledged {
			return false
		}
	}
	return true
}

// leader returns the highest scorer; ties go to whoever joined first.
func (s *Session) leader() string {
	winner := noOne
	best := math.Inf(-1)
	for _, n := range s.order {
		if sc := s.players[n].Score; sc > best {
			best = sc
			winner = n
		}
	}
	return winner
}

func soleSurvivor(alive []string) string {
	if len(alive) == 1 {
		return alive[0]
	}
	return noOne
}

func (s *Session) context() RoundContext {
	return RoundContext{
		RoundID: s.roundID,
		Target:  s.target,
		Config:  s.config,
		Reveal:  s.reveal,
		Order:   s.alive(),
		Rand:    s.rng,
	}
}

func (s *Session) message(method string, extra map[string]any) Message {
	reveal := s.state == Evaluated || s.state == Ended

	players := make([]PlayerView, 0, len(s.order))
	for _, n := range s.order {
		p := s.players[n]
		v := PlayerView{
			Name:         n,
			Points:       p.Score,
			AddedScore:   p.Added,
			Acknowledged: p.Acknowledged,
			Connected:    p.Handle != "",
			Alive:        p.Alive,
			Played:       p.Guess != nil,
		}
		if reveal {
			v.Guess = p.Guess
		}
		players = append(players, v)
	}

	var spectators []string
	for n := range s.spectators {
		spectators = append(spectators, n)
	}
	slices.Sort(spectators)

	m := Message{
		Method:     method,
		State:      s.state,
		RoundID:    s.roundID,
		Players:    players,
		Spectators: spectators,
		Extra:      extra,
	}
	if s.state != Lobby {
		m.Target = s.target
	}

	return m
}

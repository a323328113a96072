/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"encoding/json"
	"math/rand/v2"
)

// StartConfig is the kind-specific configuration carried by a start frame.
type StartConfig struct {
	Seed        *float64 `json:"seed,omitempty"`
	DeckSize    int      `json:"deck_size,omitempty"`
	FieldSize   int      `json:"field_size,omitempty"`
	MaxDistance float64  `json:"max_distance,omitempty"`
}

// RoundContext is everything a Strategy may look at when it builds a target
// or scores a round.
type RoundContext struct {
	RoundID int
	Target  any
	Config  StartConfig

	// Reveal is the most recent reference value supplied by a client for this
	// round (answer word, true statistic, target coordinates). Decks live on
	// the client, so the server only learns the answer when a guess arrives.
	Reveal json.RawMessage

	// Order lists the alive players in join order.
	Order []string

	Rand *rand.Rand
}

// Outcome is the result of scoring one round.
type Outcome struct {
	Deltas map[string]float64

	// Extra is merged into the evaluate broadcast.
	Extra map[string]any
}

// Strategy is the per-kind scoring logic. Implementations must be stateless;
// anything they need between calls lives in the RoundContext.
type Strategy interface {
	Target(rc RoundContext) (any, error)
	Score(rc RoundContext, guesses map[string]json.RawMessage) (Outcome, error)
}

// GuessValidator is implemented by strategies that can reject a malformed
// guess when it is submitted rather than when the round is scored.
type GuessValidator interface {
	ValidateGuess(guess json.RawMessage) error
}

// Kind describes one game kind served by the engine.
type Kind struct {
	Name       string
	Strategy   Strategy
	MinPlayers int
	Spectators bool
}

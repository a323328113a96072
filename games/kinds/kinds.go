/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package kinds holds the scoring strategies of every game kind served by
// guessparty. Guess kinds score each player against a round target on their
// own; hedge kinds score players against what everyone else played.
package kinds

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/Seednode/guessparty/games/session"
)

var (
	errNoReveal = errors.New("round has no revealed answer")
	errNoDeck   = errors.New("start config has no deck size")
)

var catalog = map[string]session.Kind{
	"color-guessr":     {Name: "color-guessr", Strategy: Color{}, MinPlayers: 2, Spectators: true},
	"frequency-guessr": {Name: "frequency-guessr", Strategy: Frequency{}, MinPlayers: 1},
	"stat-guessr":      {Name: "stat-guessr", Strategy: Stat{}, MinPlayers: 1},
	"location-guessr":  {Name: "location-guessr", Strategy: Location{}, MinPlayers: 1},
	"blurry-battle":    {Name: "blurry-battle", Strategy: Blurry{}, MinPlayers: 2, Spectators: true},
	"midpoint-master":  {Name: "midpoint-master", Strategy: Midpoint{}, MinPlayers: 2},
	"number-nightmare": {Name: "number-nightmare", Strategy: NumberNightmare{}, MinPlayers: 2},
	"data-hedger":      {Name: "data-hedger", Strategy: DataHedger{}, MinPlayers: 2},
}

// Lookup returns the kind registered under name.
func Lookup(name string) (session.Kind, bool) {
	k, ok := catalog[name]
	return k, ok
}

// Names returns every registered kind, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// logCloseness scores a positive guess against a positive answer on a log2
// scale: 100 for an exact hit, 0 once the guess is 1.25 octaves away.
func logCloseness(guess, answer float64) float64 {
	if guess <= 0 || answer <= 0 {
		return 0
	}
	diff := math.Abs(math.Log2(guess / answer))
	return math.Trunc(100 - math.Min(100, 80*diff))
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("guess must be a number: %w", err)
	}
	return v, nil
}

func decodePoint(raw json.RawMessage) ([2]float64, error) {
	var v [2]float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("expected a [x, y] pair: %w", err)
	}
	return v, nil
}

func deckSize(rc session.RoundContext, fallback int) (int, error) {
	if rc.Config.DeckSize > 0 {
		return rc.Config.DeckSize, nil
	}
	if fallback > 0 {
		return fallback, nil
	}
	return 0, errNoDeck
}

func scoreEach(guesses map[string]json.RawMessage, fn func(json.RawMessage) (float64, error)) (map[string]float64, error) {
	deltas := make(map[string]float64, len(guesses))
	var errs []error
	for name, g := range guesses {
		v, err := fn(g)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		deltas[name] = v
	}
	return deltas, errors.Join(errs...)
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package kinds

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/Seednode/guessparty/games/session"
)

// Color asks players to match a random RGB color.
type Color struct{}

func (Color) Target(rc session.RoundContext) (any, error) {
	return fmt.Sprintf("%02x%02x%02x", rc.Rand.IntN(256), rc.Rand.IntN(256), rc.Rand.IntN(256)), nil
}

func (Color) ValidateGuess(raw json.RawMessage) error {
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return fmt.Errorf("color must be a string: %w", err)
	}
	_, err := parseColor(code)
	return err
}

func (Color) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	code, _ := rc.Target.(string)
	want, err := parseColor(code)
	if err != nil {
		return session.Outcome{}, fmt.Errorf("round target: %w", err)
	}

	deltas, err := scoreEach(guesses, func(raw json.RawMessage) (float64, error) {
		var code string
		if err := json.Unmarshal(raw, &code); err != nil {
			return 0, err
		}
		got, err := parseColor(code)
		if err != nil {
			return 0, err
		}
		return ColorScore(want, got), nil
	})

	return session.Outcome{Deltas: deltas, Extra: map[string]any{"color": code}}, err
}

func parseColor(code string) ([3]byte, error) {
	var rgb [3]byte
	code = strings.TrimPrefix(code, "#")
	if len(code) != 6 {
		return rgb, fmt.Errorf("color %q is not six hex digits", code)
	}
	if _, err := hex.Decode(rgb[:], []byte(code)); err != nil {
		return rgb, fmt.Errorf("color %q: %w", code, err)
	}
	return rgb, nil
}

// ColorScore maps the Euclidean RGB distance onto 0..100.
func ColorScore(want, got [3]byte) float64 {
	var sum float64
	for i := range want {
		d := float64(want[i]) - float64(got[i])
		sum += d * d
	}
	return math.Trunc(100 - math.Sqrt(sum)/(256*math.Sqrt(3))*100)
}

// Frequency asks players to name the pitch of a tone within piano range.
type Frequency struct{}

func (Frequency) Target(rc session.RoundContext) (any, error) {
	note := rc.Rand.Float64()*58 + 20
	return int(440 * math.Pow(2, (note-49)/12)), nil
}

func (Frequency) ValidateGuess(raw json.RawMessage) error {
	v, err := decodeNumber(raw)
	if err != nil {
		return err
	}
	if v <= 0 {
		return errors.New("frequency must be positive")
	}
	return nil
}

func (Frequency) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	target, ok := rc.Target.(int)
	if !ok || target <= 0 {
		return session.Outcome{}, fmt.Errorf("round target %v is not a frequency", rc.Target)
	}

	deltas, err := scoreEach(guesses, func(raw json.RawMessage) (float64, error) {
		v, err := decodeNumber(raw)
		if err != nil {
			return 0, err
		}
		return logCloseness(v, float64(target)), nil
	})

	return session.Outcome{Deltas: deltas}, err
}

// StatTarget picks one statistic of one item from a deck held by the clients.
type StatTarget struct {
	ItemID  int `json:"item_id"`
	FieldID int `json:"field_id"`
}

// Stat asks players to estimate a statistic; the true value is revealed by
// the clients alongside their guesses.
type Stat struct{}

func (Stat) Target(rc session.RoundContext) (any, error) {
	if rc.Config.DeckSize <= 0 || rc.Config.FieldSize <= 0 {
		return nil, errors.New("stat-guessr needs deck_size and field_size")
	}
	return StatTarget{
		ItemID:  rc.Rand.IntN(rc.Config.DeckSize),
		FieldID: rc.Rand.IntN(rc.Config.FieldSize),
	}, nil
}

func (Stat) ValidateGuess(raw json.RawMessage) error {
	_, err := decodeNumber(raw)
	return err
}

func (Stat) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	if len(rc.Reveal) == 0 {
		return session.Outcome{}, errNoReveal
	}
	value, err := decodeNumber(rc.Reveal)
	if err != nil {
		return session.Outcome{}, fmt.Errorf("revealed value: %w", err)
	}

	deltas, err := scoreEach(guesses, func(raw json.RawMessage) (float64, error) {
		v, err := decodeNumber(raw)
		if err != nil {
			return 0, err
		}
		return logCloseness(v, value), nil
	})

	return session.Outcome{Deltas: deltas, Extra: map[string]any{"value": value}}, err
}

const (
	earthRadiusKm = 6371.0

	// halfCircumferenceKm is the furthest two points on earth can be apart.
	halfCircumferenceKm = math.Pi * earthRadiusKm
)

// Location asks players to pin a place on the map.
type Location struct{}

func (Location) Target(rc session.RoundContext) (any, error) {
	n, err := deckSize(rc, 0)
	if err != nil {
		return nil, err
	}
	return rc.Rand.IntN(n), nil
}

func (Location) ValidateGuess(raw json.RawMessage) error {
	_, err := decodePoint(raw)
	return err
}

func (Location) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	if len(rc.Reveal) == 0 {
		return session.Outcome{}, errNoReveal
	}
	want, err := decodePoint(rc.Reveal)
	if err != nil {
		return session.Outcome{}, fmt.Errorf("revealed coordinates: %w", err)
	}

	maxKm := rc.Config.MaxDistance
	if maxKm <= 0 {
		maxKm = halfCircumferenceKm
	}

	distances := make(map[string]float64, len(guesses))
	deltas := make(map[string]float64, len(guesses))
	var errs []error
	for name, raw := range guesses {
		got, err := decodePoint(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		km := Haversine(want[0], want[1], got[0], got[1])
		distances[name] = km
		deltas[name] = math.Max(0, math.Trunc(100-km/maxKm*100))
	}
	err = errors.Join(errs...)

	return session.Outcome{Deltas: deltas, Extra: map[string]any{"distances": distances}}, err
}

// Haversine returns the great-circle distance in km between two lat/lng
// pairs given in degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	a = math.Min(1, math.Max(0, a))

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ExactMatchBonus is awarded in place of the similarity score when a guess
// matches the answer exactly.
const ExactMatchBonus = 2.0

// Blurry asks players to name a blurred picture; the answer word is revealed
// by the clients.
type Blurry struct{}

func (Blurry) Target(rc session.RoundContext) (any, error) {
	n, err := deckSize(rc, 0)
	if err != nil {
		return nil, err
	}
	return rc.Rand.IntN(n), nil
}

func (Blurry) ValidateGuess(raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("guess must be a string: %w", err)
	}
	return nil
}

func (Blurry) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	var answer string
	if err := json.Unmarshal(rc.Reveal, &answer); err != nil {
		return session.Outcome{}, fmt.Errorf("revealed answer: %w", errors.Join(errNoReveal, err))
	}

	deltas, err := scoreEach(guesses, func(raw json.RawMessage) (float64, error) {
		var guess string
		if err := json.Unmarshal(raw, &guess); err != nil {
			return 0, err
		}
		return Closeness(answer, guess), nil
	})

	return session.Outcome{Deltas: deltas, Extra: map[string]any{"answer": answer}}, err
}

// Closeness compares the letters of answer and guess: the overlap of the
// two letter multisets over the length of the longer word, rounded to two
// places. An exact match earns ExactMatchBonus instead.
func Closeness(answer, guess string) float64 {
	if answer == guess {
		return ExactMatchBonus
	}

	a := letterCounts(answer)
	g := letterCounts(guess)

	inter := 0
	for r, n := range g {
		inter += min(n, a[r])
	}

	union := max(utf8.RuneCountInString(answer), utf8.RuneCountInString(guess))
	if union == 0 {
		return 0
	}

	return math.Round(float64(inter)/float64(union)*100) / 100
}

func letterCounts(s string) map[rune]int {
	counts := make(map[rune]int, len(s))
	for _, r := range s {
		counts[r]++
	}
	return counts
}

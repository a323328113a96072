/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package kinds

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Seednode/guessparty/games/session"
)

const (
	boardSize       = 10
	sharedCellCost  = 50
	duplicateCost   = 3
	nightmareHand   = 5
	hedgerHand      = 10
	defaultDeckSize = 100
)

// Midpoint has every player pick a cell on a 10x10 board; picks close to
// the mean of all picks score best, and sharing a cell costs points.
type Midpoint struct{}

// Board describes the grid players pick from.
type Board struct {
	Size int `json:"size"`
}

func (Midpoint) Target(session.RoundContext) (any, error) {
	return Board{Size: boardSize}, nil
}

func (Midpoint) ValidateGuess(raw json.RawMessage) error {
	_, err := decodeCell(raw)
	return err
}

func decodeCell(raw json.RawMessage) ([2]int, error) {
	var c [2]int
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("expected a [row, col] cell: %w", err)
	}
	if c[0] < 0 || c[0] >= boardSize || c[1] < 0 || c[1] >= boardSize {
		return c, fmt.Errorf("cell %v is off the board", c)
	}
	return c, nil
}

func (Midpoint) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	cells := make(map[string][2]int, len(guesses))
	occupied := make(map[[2]int]int)
	var errs []error

	for _, name := range rc.Order {
		raw, ok := guesses[name]
		if !ok {
			continue
		}
		c, err := decodeCell(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		cells[name] = c
		occupied[c]++
	}
	if len(cells) == 0 {
		return session.Outcome{}, errors.Join(errs...)
	}

	var sx, sy float64
	for _, c := range cells {
		sx += float64(c[0])
		sy += float64(c[1])
	}
	mid := [2]float64{
		math.Round(sx/float64(len(cells))*1e4) / 1e4,
		math.Round(sy/float64(len(cells))*1e4) / 1e4,
	}

	deltas := make(map[string]float64, len(cells))
	failed := []string{}
	for _, name := range rc.Order {
		c, ok := cells[name]
		if !ok {
			continue
		}
		d := math.Hypot(float64(c[0])-mid[0], float64(c[1])-mid[1])
		score := math.Trunc(100 * math.Exp(-d/10))
		if occupied[c] > 1 {
			score -= sharedCellCost
			failed = append(failed, name)
		}
		deltas[name] = score
	}

	return session.Outcome{
		Deltas: deltas,
		Extra: map[string]any{
			"midpoint":       mid,
			"failed_players": failed,
		},
	}, errors.Join(errs...)
}

// NumberNightmare deals five numbers; anyone who plays the same number as
// someone else loses points.
type NumberNightmare struct{}

func (NumberNightmare) Target(rc session.RoundContext) (any, error) {
	n, err := deckSize(rc, defaultDeckSize)
	if err != nil {
		return nil, err
	}
	return deal(rc, n, nightmareHand), nil
}

func deal(rc session.RoundContext, deck, hand int) []int {
	perm := rc.Rand.Perm(deck)
	return perm[:min(hand, deck)]
}

func (NumberNightmare) ValidateGuess(raw json.RawMessage) error {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("guess must be an integer: %w", err)
	}
	return nil
}

func (NumberNightmare) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	played := make(map[string]int, len(guesses))
	counts := make(map[int]int)
	var errs []error

	for name, raw := range guesses {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		played[name] = n
		counts[n]++
	}

	deltas := make(map[string]float64, len(played))
	failed := []string{}
	for _, name := range rc.Order {
		n, ok := played[name]
		if !ok {
			continue
		}
		if counts[n] > 1 {
			deltas[name] = -duplicateCost
			failed = append(failed, name)
			continue
		}
		deltas[name] = 0
	}

	return session.Outcome{
		Deltas: deltas,
		Extra: map[string]any{
			"options":        rc.Target,
			"failed_players": failed,
		},
	}, errors.Join(errs...)
}

// HedgerHand is the round target of data-hedger.
type HedgerHand struct {
	Options  []int `json:"options"`
	IsHigher bool  `json:"is_higher"`
}

// HedgerCard is what a data-hedger player plays: a card and the data fields
// printed on it.
type HedgerCard struct {
	CardID int       `json:"card_id"`
	Data   []float64 `json:"data"`
}

// FieldWinners lists who held the best value of one data field.
type FieldWinners struct {
	BestValue float64  `json:"best_value"`
	Winners   []string `json:"winners"`
}

// DataHedger deals ten cards and alternates between rewarding the highest
// and the lowest value of each data field. Playing the single most popular
// card costs points.
type DataHedger struct{}

func (DataHedger) Target(rc session.RoundContext) (any, error) {
	n, err := deckSize(rc, defaultDeckSize)
	if err != nil {
		return nil, err
	}
	return HedgerHand{
		Options:  deal(rc, n, hedgerHand),
		IsHigher: rc.RoundID%2 == 0,
	}, nil
}

func (DataHedger) ValidateGuess(raw json.RawMessage) error {
	var c HedgerCard
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("expected a card: %w", err)
	}
	return nil
}

func (DataHedger) Score(rc session.RoundContext, guesses map[string]json.RawMessage) (session.Outcome, error) {
	hand, _ := rc.Target.(HedgerHand)

	var order []string
	cards := make(map[string]HedgerCard, len(guesses))
	var errs []error
	for _, name := range rc.Order {
		raw, ok := guesses[name]
		if !ok {
			continue
		}
		var c HedgerCard
		if err := json.Unmarshal(raw, &c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		cards[name] = c
		order = append(order, name)
	}

	deltas := make(map[string]float64, len(cards))
	for _, name := range order {
		deltas[name] = 0
	}

	popular := mostPopularCard(order, cards)
	failed := []string{}
	if popular >= 0 {
		for _, name := range order {
			if cards[name].CardID == popular {
				deltas[name] -= duplicateCost
				failed = append(failed, name)
			}
		}
	}

	// every card carries the same fields; the first player's card sets the count
	var fields int
	if len(order) > 0 {
		fields = len(cards[order[0]].Data)
	}

	winners := make([]FieldWinners, 0, fields)
	for i := 0; i < fields; i++ {
		best := math.Inf(-1)
		if !hand.IsHigher {
			best = math.Inf(1)
		}
		for _, name := range order {
			d := cards[name].Data
			if i >= len(d) {
				continue
			}
			if (hand.IsHigher && d[i] > best) || (!hand.IsHigher && d[i] < best) {
				best = d[i]
			}
		}

		fw := FieldWinners{BestValue: best, Winners: []string{}}
		for _, name := range order {
			d := cards[name].Data
			if i < len(d) && d[i] == best {
				deltas[name]++
				fw.Winners = append(fw.Winners, name)
			}
		}
		winners = append(winners, fw)
	}

	return session.Outcome{
		Deltas: deltas,
		Extra: map[string]any{
			"winners":           winners,
			"failed_players":    failed,
			"most_popular_card": popular,
		},
	}, errors.Join(errs...)
}

// mostPopularCard returns the card played most often, or -1 when several
// cards tie for most plays.
func mostPopularCard(order []string, cards map[string]HedgerCard) int {
	counts := make(map[int]int)
	for _, name := range order {
		counts[cards[name].CardID]++
	}

	popular, best, tied := -1, 0, false
	for _, name := range order {
		id := cards[name].CardID
		switch n := counts[id]; {
		case n > best:
			popular, best, tied = id, n, false
		case n == best && id != popular:
			tied = true
		}
	}
	if tied {
		return -1
	}
	return popular
}

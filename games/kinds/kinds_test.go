package kinds

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Seednode/guessparty/games/session"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func roundContext(order ...string) session.RoundContext {
	return session.RoundContext{
		RoundID: 1,
		Order:   order,
		Rand:    rand.New(rand.NewPCG(1, 2)),
	}
}

func TestCatalog(t *testing.T) {
	names := Names()
	assert.Len(t, names, 8)
	assert.IsNonDecreasing(t, names)

	for _, n := range names {
		k, ok := Lookup(n)
		require.True(t, ok, n)
		assert.Equal(t, n, k.Name)
		assert.NotNil(t, k.Strategy)
		assert.GreaterOrEqual(t, k.MinPlayers, 1)
	}

	_, ok := Lookup("celebrity")
	assert.False(t, ok)

	color, _ := Lookup("color-guessr")
	assert.True(t, color.Spectators)
	assert.Equal(t, 2, color.MinPlayers)
}

func TestClosenessSharedLetters(t *testing.T) {
	assert.Equal(t, 0.80, Closeness("apple", "applx"))
	assert.Equal(t, ExactMatchBonus, Closeness("apple", "apple"))
	assert.Equal(t, 0.0, Closeness("abc", "xyz"))
	assert.Equal(t, 0.0, Closeness("", "abc"))
}

func TestClosenessBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[a-e]{0,8}`).Draw(t, "answer")
		g := rapid.StringMatching(`[a-e]{0,8}`).Draw(t, "guess")

		c := Closeness(a, g)
		if a == g {
			if c != ExactMatchBonus {
				t.Fatalf("exact match scored %v", c)
			}
			return
		}
		if c < 0 || c > 1 {
			t.Fatalf("Closeness(%q, %q) = %v out of [0, 1]", a, g, c)
		}
		if c != Closeness(g, a) {
			t.Fatalf("Closeness is not symmetric for %q, %q", a, g)
		}
	})
}

func TestBlurryScoresAgainstTheReveal(t *testing.T) {
	rc := roundContext("ann", "ben")
	rc.Reveal = raw(t, "apple")

	out, err := Blurry{}.Score(rc, map[string]json.RawMessage{
		"ann": raw(t, "applx"),
		"ben": raw(t, "apple"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.80, out.Deltas["ann"])
	assert.Equal(t, ExactMatchBonus, out.Deltas["ben"])
	assert.Equal(t, "apple", out.Extra["answer"])

	_, err = Blurry{}.Score(roundContext("ann"), map[string]json.RawMessage{"ann": raw(t, "x")})
	assert.ErrorIs(t, err, errNoReveal)
}

func TestColorScore(t *testing.T) {
	assert.Equal(t, 100.0, ColorScore([3]byte{10, 20, 30}, [3]byte{10, 20, 30}))
	assert.Equal(t, 0.0, ColorScore([3]byte{0, 0, 0}, [3]byte{255, 255, 255}))

	rapid.Check(t, func(t *rapid.T) {
		var a, b [3]byte
		for i := range a {
			a[i] = rapid.Byte().Draw(t, "a")
			b[i] = rapid.Byte().Draw(t, "b")
		}
		s := ColorScore(a, b)
		if s < 0 || s > 100 {
			t.Fatalf("ColorScore(%v, %v) = %v", a, b, s)
		}
	})
}

func TestColorRound(t *testing.T) {
	rc := roundContext("ann", "ben")
	target, err := Color{}.Target(rc)
	require.NoError(t, err)
	require.Regexp(t, `^[0-9a-f]{6}$`, target)
	rc.Target = target

	assert.NoError(t, Color{}.ValidateGuess(raw(t, "#00ff00")))
	assert.Error(t, Color{}.ValidateGuess(raw(t, "green")))
	assert.Error(t, Color{}.ValidateGuess(raw(t, 12)))

	out, err := Color{}.Score(rc, map[string]json.RawMessage{
		"ann": raw(t, target),
		"ben": raw(t, "zzzzzz"),
	})
	assert.Error(t, err, "a bad guess is reported")
	assert.Equal(t, 100.0, out.Deltas["ann"], "and the rest still score")
	assert.NotContains(t, out.Deltas, "ben")
}

func TestLogCloseness(t *testing.T) {
	assert.Equal(t, 100.0, logCloseness(440, 440))
	assert.Equal(t, 20.0, logCloseness(880, 440))
	assert.Equal(t, 20.0, logCloseness(220, 440))
	assert.Equal(t, 0.0, logCloseness(4000, 440))
	assert.Equal(t, 0.0, logCloseness(0, 440))
}

func TestFrequencyTargetInPianoRange(t *testing.T) {
	rc := roundContext()
	for range 200 {
		v, err := Frequency{}.Target(rc)
		require.NoError(t, err)
		hz := v.(int)
		assert.GreaterOrEqual(t, hz, 25)
		assert.LessOrEqual(t, hz, 4186)
	}
}

func TestStatNeedsDeckAndReveal(t *testing.T) {
	rc := roundContext("ann")
	_, err := Stat{}.Target(rc)
	assert.Error(t, err)

	rc.Config = session.StartConfig{DeckSize: 5, FieldSize: 3}
	target, err := Stat{}.Target(rc)
	require.NoError(t, err)
	st := target.(StatTarget)
	assert.Less(t, st.ItemID, 5)
	assert.Less(t, st.FieldID, 3)

	_, err = Stat{}.Score(rc, map[string]json.RawMessage{"ann": raw(t, 10)})
	assert.ErrorIs(t, err, errNoReveal)

	rc.Reveal = raw(t, 10)
	out, err := Stat{}.Score(rc, map[string]json.RawMessage{"ann": raw(t, 10)})
	require.NoError(t, err)
	assert.Equal(t, 100.0, out.Deltas["ann"])
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, Haversine(51.5, -0.12, 51.5, -0.12), 1e-9)
	// London to Paris
	assert.InDelta(t, 343, Haversine(51.5074, -0.1278, 48.8566, 2.3522), 2)
	assert.InDelta(t, halfCircumferenceKm, Haversine(0, 0, 0, 180), 1e-6)

	rapid.Check(t, func(t *rapid.T) {
		lat1 := rapid.Float64Range(-90, 90).Draw(t, "lat1")
		lng1 := rapid.Float64Range(-180, 180).Draw(t, "lng1")
		lat2 := rapid.Float64Range(-90, 90).Draw(t, "lat2")
		lng2 := rapid.Float64Range(-180, 180).Draw(t, "lng2")

		d := Haversine(lat1, lng1, lat2, lng2)
		if d < 0 || d > halfCircumferenceKm+1e-6 || math.IsNaN(d) {
			t.Fatalf("distance %v out of range", d)
		}
		if math.Abs(d-Haversine(lat2, lng2, lat1, lng1)) > 1e-6 {
			t.Fatalf("distance is not symmetric")
		}
	})
}

func TestLocationScoresClampAtZero(t *testing.T) {
	rc := roundContext("ann", "ben")
	rc.Reveal = raw(t, [2]float64{0, 0})
	rc.Config.MaxDistance = 1000

	out, err := Location{}.Score(rc, map[string]json.RawMessage{
		"ann": raw(t, [2]float64{0, 0}),
		"ben": raw(t, [2]float64{0, 180}),
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, out.Deltas["ann"])
	assert.Equal(t, 0.0, out.Deltas["ben"])
	assert.Contains(t, out.Extra, "distances")
}

func TestMidpointPenalisesSharedCells(t *testing.T) {
	rc := roundContext("ann", "ben", "cat")

	out, err := Midpoint{}.Score(rc, map[string]json.RawMessage{
		"ann": raw(t, [2]int{2, 2}),
		"ben": raw(t, [2]int{2, 2}),
		"cat": raw(t, [2]int{5, 5}),
	})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{3, 3}, out.Extra["midpoint"])
	assert.Equal(t, []string{"ann", "ben"}, out.Extra["failed_players"])

	// ann is sqrt(2) from the midpoint, cat 2*sqrt(2)
	assert.Equal(t, math.Trunc(100*math.Exp(-math.Sqrt2/10))-sharedCellCost, out.Deltas["ann"])
	assert.Equal(t, math.Trunc(100*math.Exp(-2*math.Sqrt2/10)), out.Deltas["cat"])

	assert.Error(t, Midpoint{}.ValidateGuess(raw(t, [2]int{10, 0})))
	assert.NoError(t, Midpoint{}.ValidateGuess(raw(t, [2]int{9, 0})))
}

func TestNumberNightmare(t *testing.T) {
	rc := roundContext("ann", "ben", "cat")
	target, err := NumberNightmare{}.Target(rc)
	require.NoError(t, err)
	opts := target.([]int)
	assert.Len(t, opts, nightmareHand)
	rc.Target = target

	out, err := NumberNightmare{}.Score(rc, map[string]json.RawMessage{
		"ann": raw(t, 7),
		"ben": raw(t, 7),
		"cat": raw(t, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, -float64(duplicateCost), out.Deltas["ann"])
	assert.Equal(t, -float64(duplicateCost), out.Deltas["ben"])
	assert.Equal(t, 0.0, out.Deltas["cat"])
	assert.Equal(t, []string{"ann", "ben"}, out.Extra["failed_players"])
}

func TestDataHedger(t *testing.T) {
	rc := roundContext("ann", "ben", "cat")
	rc.RoundID = 2
	target, err := DataHedger{}.Target(rc)
	require.NoError(t, err)
	hand := target.(HedgerHand)
	assert.True(t, hand.IsHigher, "even rounds reward the highest values")
	assert.Len(t, hand.Options, hedgerHand)
	rc.Target = hand

	out, err := DataHedger{}.Score(rc, map[string]json.RawMessage{
		"ann": raw(t, HedgerCard{CardID: 1, Data: []float64{5, 1}}),
		"ben": raw(t, HedgerCard{CardID: 1, Data: []float64{5, 1}}),
		"cat": raw(t, HedgerCard{CardID: 2, Data: []float64{3, 9}}),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Extra["most_popular_card"])
	assert.Equal(t, []string{"ann", "ben"}, out.Extra["failed_players"])
	assert.Equal(t, 1.0-duplicateCost, out.Deltas["ann"])
	assert.Equal(t, 1.0, out.Deltas["cat"])

	winners := out.Extra["winners"].([]FieldWinners)
	require.Len(t, winners, 2)
	assert.Equal(t, FieldWinners{BestValue: 5, Winners: []string{"ann", "ben"}}, winners[0])
	assert.Equal(t, FieldWinners{BestValue: 9, Winners: []string{"cat"}}, winners[1])
}

func TestMostPopularCardTie(t *testing.T) {
	cards := map[string]HedgerCard{
		"ann": {CardID: 1},
		"ben": {CardID: 2},
	}
	assert.Equal(t, -1, mostPopularCard([]string{"ann", "ben"}, cards))

	cards["cat"] = HedgerCard{CardID: 2}
	assert.Equal(t, 2, mostPopularCard([]string{"ann", "ben", "cat"}, cards))
}

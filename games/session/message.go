/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a Session.
type State int

const (
	Lobby State = iota
	AwaitingGuesses
	Evaluated
	Ended
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Lobby:
		return "lobby"
	case AwaitingGuesses:
		return "start"
	case Evaluated:
		return "evaluate"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// PlayerState is a seated player. It is owned by its Session.
type PlayerState struct {
	Name string

	// Handle is the connection currently bound to the player, empty while
	// the player is disconnected.
	Handle         string
	DisconnectedAt time.Time

	Guess        json.RawMessage
	Score        float64
	Added        *float64
	Acknowledged bool
	Alive        bool
}

// PlayerView is the per-player projection sent to clients.
type PlayerView struct {
	Name         string          `json:"name"`
	Points       float64         `json:"points"`
	AddedScore   *float64        `json:"added_score"`
	Acknowledged bool            `json:"acknowledged"`
	Connected    bool            `json:"connected"`
	Alive        bool            `json:"alive"`
	Played       bool            `json:"played"`
	Guess        json.RawMessage `json:"guess,omitempty"`
}

// Message is an outbound envelope. Extra fields are flattened next to the
// fixed ones when encoded.
type Message struct {
	Method     string
	State      State
	RoundID    int
	Players    []PlayerView
	Spectators []string
	Target     any
	Extra      map[string]any
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}

	out["method"] = m.Method
	out["state"] = m.State
	out["round_id"] = m.RoundID

	players := m.Players
	if players == nil {
		players = []PlayerView{}
	}
	out["players"] = players

	if len(m.Spectators) > 0 {
		out["spectators"] = m.Spectators
	}
	if m.Target != nil {
		out["target"] = m.Target
	}

	return json.Marshal(out)
}

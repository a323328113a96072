/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire form of an inbound message. Conn is stamped by the
// server that owns the socket; whatever a client puts there is overwritten.
type Frame struct {
	Method string `json:"method"`
	Name   string `json:"name,omitempty"`
	Conn   string `json:"conn,omitempty"`

	Seed        *float64 `json:"seed,omitempty"`
	DeckSize    int      `json:"deck_size,omitempty"`
	FieldSize   int      `json:"field_size,omitempty"`
	MaxDistance float64  `json:"max_distance,omitempty"`

	Guess  json.RawMessage `json:"guess,omitempty"`
	Played json.RawMessage `json:"played,omitempty"`
	Reveal json.RawMessage `json:"reveal,omitempty"`
}

// Command is a decoded inbound frame.
type Command interface {
	// Handle is the connection the frame arrived on.
	Handle() string
	verb() string
}

type (
	Connect struct {
		Conn string
	}
	Join struct {
		Name string
		Conn string
	}
	Leave struct {
		Name string
		Conn string
	}
	Start struct {
		Name   string
		Conn   string
		Config StartConfig
	}
	Play struct {
		Name   string
		Conn   string
		Guess  json.RawMessage
		Reveal json.RawMessage
	}
	Acknowledge struct {
		Name string
		Conn string
	}
	Disconnect struct {
		Conn string
	}
)

func (c Connect) Handle() string     { return c.Conn }
func (c Join) Handle() string        { return c.Conn }
func (c Leave) Handle() string       { return c.Conn }
func (c Start) Handle() string       { return c.Conn }
func (c Play) Handle() string        { return c.Conn }
func (c Acknowledge) Handle() string { return c.Conn }
func (c Disconnect) Handle() string  { return c.Conn }

func (Connect) verb() string     { return "connect" }
func (Join) verb() string        { return "join" }
func (Leave) verb() string       { return "leave" }
func (Start) verb() string       { return "start" }
func (Play) verb() string        { return "play" }
func (Acknowledge) verb() string { return "acknowledge" }
func (Disconnect) verb() string  { return "disconnect" }

// Decode parses a relayed frame into its command.
func Decode(data []byte) (Command, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return f.Command()
}

// Command converts the frame into its typed command.
func (f Frame) Command() (Command, error) {
	if f.Conn == "" {
		return nil, fmt.Errorf("%w: frame has no connection", ErrProtocol)
	}

	switch f.Method {
	case "connect":
		return Connect{Conn: f.Conn}, nil
	case "disconnect":
		return Disconnect{Conn: f.Conn}, nil
	}

	if f.Name == "" {
		return nil, fmt.Errorf("%w: %q frame has no name", ErrProtocol, f.Method)
	}

	switch f.Method {
	case "join":
		return Join{Name: f.Name, Conn: f.Conn}, nil
	case "leave":
		return Leave{Name: f.Name, Conn: f.Conn}, nil
	case "start":
		return Start{
			Name: f.Name,
			Conn: f.Conn,
			Config: StartConfig{
				Seed:        f.Seed,
				DeckSize:    f.DeckSize,
				FieldSize:   f.FieldSize,
				MaxDistance: f.MaxDistance,
			},
		}, nil
	case "play":
		guess := f.Guess
		if len(guess) == 0 {
			guess = f.Played
		}
		if len(guess) == 0 || string(guess) == "null" {
			return nil, fmt.Errorf("%w: play frame has no guess", ErrProtocol)
		}
		return Play{Name: f.Name, Conn: f.Conn, Guess: guess, Reveal: f.Reveal}, nil
	case "acknowledge":
		return Acknowledge{Name: f.Name, Conn: f.Conn}, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrProtocol, f.Method)
	}
}

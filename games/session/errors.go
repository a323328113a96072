/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import "errors"

var (
	// ErrProtocol marks a frame that is malformed or not legal in the current state.
	ErrProtocol = errors.New("protocol error")

	// ErrInsufficientPlayers is returned by Start when fewer players than the
	// kind requires are seated.
	ErrInsufficientPlayers = errors.New("not enough players")

	ErrPlayerExists  = errors.New("player already exists")
	ErrGameStarted   = errors.New("game already started")
	ErrUnknownPlayer = errors.New("unknown player")
)

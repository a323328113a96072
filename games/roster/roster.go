/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package roster tracks the live player connections of each room held by
// this process.
package roster

import (
	"sync"
)

// Conn is one open client connection. Send must not block for long; a
// connection that cannot keep up should return an error.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Set maps room IDs to the connections registered under each handle.
type Set struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn

	gone func(roomID, handle string)
}

// New returns an empty Set. gone, if non-nil, is called once for every
// connection dropped because a send to it failed.
func New(gone func(roomID, handle string)) *Set {
	return &Set{
		rooms: make(map[string]map[string]Conn),
		gone:  gone,
	}
}

// Register binds handle to c, replacing any connection previously held
// under the same handle.
func (s *Set) Register(roomID, handle string, c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.rooms[roomID]
	if !ok {
		conns = make(map[string]Conn)
		s.rooms[roomID] = conns
	}
	conns[handle] = c
}

// Unregister removes handle and reports whether it was registered.
func (s *Set) Unregister(roomID, handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(roomID, handle, nil)
}

func (s *Set) removeLocked(roomID, handle string, want Conn) bool {
	conns, ok := s.rooms[roomID]
	if !ok {
		return false
	}

	c, ok := conns[handle]
	if !ok || (want != nil && c != want) {
		return false
	}

	delete(conns, handle)
	if len(conns) == 0 {
		delete(s.rooms, roomID)
	}

	return true
}

func (s *Set) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.rooms[roomID])
}

// Drop closes and removes every connection of a room and returns how many
// there were. gone is not called for them.
func (s *Set) Drop(roomID string) int {
	s.mu.Lock()
	conns := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	return len(conns)
}

// SendTo delivers msg to one handle and reports whether it was delivered.
// An unknown handle is not an error: it may live on another process.
func (s *Set) SendTo(roomID, handle string, msg []byte) bool {
	s.mu.RLock()
	c, ok := s.rooms[roomID][handle]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	return s.deliver(roomID, handle, c, msg)
}

// Broadcast delivers msg to every connection in the room. A failed
// connection is dropped and the rest still receive the message.
func (s *Set) Broadcast(roomID string, msg []byte) {
	s.mu.RLock()
	targets := make(map[string]Conn, len(s.rooms[roomID]))
	for h, c := range s.rooms[roomID] {
		targets[h] = c
	}
	s.mu.RUnlock()

	for h, c := range targets {
		s.deliver(roomID, h, c, msg)
	}
}

func (s *Set) deliver(roomID, handle string, c Conn, msg []byte) bool {
	if err := c.Send(msg); err == nil {
		return true
	}

	s.mu.Lock()
	removed := s.removeLocked(roomID, handle, c)
	s.mu.Unlock()

	if !removed {
		return false
	}

	_ = c.Close()

	if s.gone != nil {
		s.gone(roomID, handle)
	}

	return false
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/Seednode/guessparty/games"
	"github.com/Seednode/guessparty/games/kinds"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 10
	sendQueue      = 32
)

var errSlowClient = errors.New("client send queue full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. It satisfies roster.Conn: sends are
// queued for writePump, and a client that falls too far behind is dropped.
type Client struct {
	conn   *websocket.Conn
	handle string
	send   chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:   conn,
		handle: uuid.NewString(),
		send:   make(chan []byte, sendQueue),
		done:   make(chan struct{}),
	}
}

func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return errSlowClient
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	return c.conn.Close()
}

func (c *Client) readPump(room *games.Room) {
	defer func() {
		room.Detach(c.handle)
		_ = c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		room.Submit(c.handle, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveGameSocket upgrades /games/:kind/:room/ws and attaches the
// connection to the room.
func serveGameSocket(cfg *Config, reg *games.Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		kind, roomID := ps.ByName("kind"), ps.ByName("room")

		room, err := reg.GetOrCreate(r.Context(), kind, roomID)
		if err != nil {
			http.Error(w, err.Error(), roomErrorStatus(err))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.log.Debug("GAMES: Upgrade failed", zap.String("ip", realIP(r)), zap.Error(err))
			return
		}

		client := newClient(conn)
		go client.writePump()

		if err := room.Attach(r.Context(), client.handle, client); err != nil {
			cfg.log.Warn("GAMES: Attaching connection failed",
				zap.String("kind", kind),
				zap.String("room", roomID),
				zap.Error(err))
			_ = client.Close()
			return
		}

		cfg.log.Debug("GAMES: Connection opened",
			zap.String("kind", kind),
			zap.String("room", roomID),
			zap.String("handle", client.handle),
			zap.String("ip", realIP(r)))

		client.readPump(room)
	}
}

func roomErrorStatus(err error) int {
	switch {
	case errors.Is(err, games.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, games.ErrInvalidRoom):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// RoomInfo describes how to reach a room.
type RoomInfo struct {
	Kind       string `json:"kind"`
	Room       string `json:"room"`
	MinPlayers int    `json:"min_players"`
	Spectators bool   `json:"spectators"`
	URL        string `json:"url"`
	Socket     string `json:"socket"`
	QR         string `json:"qr"`
}

func requestScheme(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme
}

func serveRoomInfo(cfg *Config, path string, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		k, ok := kinds.Lookup(ps.ByName("kind"))
		if !ok {
			http.Error(w, "unknown game kind", http.StatusNotFound)
			return
		}
		roomID := ps.ByName("room")
		if !games.ValidRoomID(roomID) {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		base := cfg.prefix + path + "/" + k.Name + "/" + roomID
		wsScheme := "ws"
		if requestScheme(r) == "https" {
			wsScheme = "wss"
		}

		info := RoomInfo{
			Kind:       k.Name,
			Room:       roomID,
			MinPlayers: k.MinPlayers,
			Spectators: k.Spectators,
			URL:        requestScheme(r) + "://" + r.Host + base,
			Socket:     wsScheme + "://" + r.Host + base + "/ws",
			QR:         base + "/qr",
		}

		w.Header().Set("Content-Type", "application/json")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(info); err != nil {
			errs <- err
		}
	}
}

const qrSize = 320

// qrHandler serves a PNG QR code that opens the room page.
func qrHandler(cfg *Config, path string, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		k, ok := kinds.Lookup(ps.ByName("kind"))
		if !ok {
			http.Error(w, "unknown game kind", http.StatusNotFound)
			return
		}
		roomID := ps.ByName("room")
		if !games.ValidRoomID(roomID) {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		url := requestScheme(r) + "://" + r.Host + cfg.prefix + path + "/" + k.Name + "/" + roomID

		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			cfg.log.Error("GAMES: Generating QR code failed", zap.String("url", url), zap.Error(err))
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)

		if _, err := w.Write(png); err != nil {
			errs <- err
		}
	}
}

// redirectNewGame handles GET /games/:kind by generating a new random room
// ID and redirecting to /games/:kind/:room.
func redirectNewGame(cfg *Config, path string, reg *games.Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		kind := ps.ByName("kind")
		if _, ok := kinds.Lookup(kind); !ok {
			http.Error(w, "unknown game kind", http.StatusNotFound)
			return
		}

		roomID := reg.NewRoomID(kind)
		cfg.log.Info("GAMES: Created game", zap.String("kind", kind), zap.String("room", roomID))

		http.Redirect(w, r, cfg.prefix+path+"/"+kind+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerGames sets up routes so that:
//   - $path/:kind              → redirects to a new random room (8-char ID)
//   - $path/:kind/:room        → JSON description of the room
//   - $path/:kind/:room/ws     → WebSocket for that room
//   - $path/:kind/:room/qr     → PNG QR code for that room URL
func registerGames(cfg *Config, path string, reg *games.Registry, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+path+"/:kind", redirectNewGame(cfg, path, reg))

	mux.GET(cfg.prefix+path+"/:kind/:room", serveRoomInfo(cfg, path, errs))

	mux.GET(cfg.prefix+path+"/:kind/:room/ws", serveGameSocket(cfg, reg))

	mux.GET(cfg.prefix+path+"/:kind/:room/qr", qrHandler(cfg, path, errs))
}

// Package host bridges the engine's command/event channel to embedding
// processes over a websocket: input events arrive as JSON commands, output
// events leave as JSON messages, and pictures as binary frames.
package host

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stevevista/kinema/internal/player"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 64
)

// command is the JSON shape of an input event.
type command struct {
	Cmd   string  `json:"cmd"`
	Mode  int     `json:"mode,omitempty"`
	Value float64 `json:"value,omitempty"`
	Incr  int     `json:"incr,omitempty"`
}

// Server fans the engine's events out to connected hosts and feeds their
// commands back into the player.
type Server struct {
	log      *slog.Logger
	player   *player.Player
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan outgoing
}

type outgoing struct {
	binary  bool
	payload []byte
}

// NewServer creates a bridge for p. If log is nil, slog.Default() is used.
func NewServer(p *player.Player, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "host"),
		player: p,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan outgoing, sendBufferSize)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("host connected", "remote", conn.RemoteAddr())

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// readPump parses JSON commands until the connection dies.
func (s *Server) readPump(c *client) {
	defer s.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn("bad command", "error", err)
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Server) dispatch(c command) {
	cmd := translate(c)
	if cmd == nil {
		s.log.Warn("unknown command", "cmd", c.Cmd)
		return
	}
	s.player.Post(cmd)
}

// translate maps a wire command onto the engine's command type.
func translate(c command) player.Command {
	switch c.Cmd {
	case "quit":
		return player.Quit{}
	case "pause":
		return player.Pause{}
	case "volume":
		return player.Volume{Mode: c.Mode, Value: c.Value}
	case "next_frame":
		return player.NextFrame{}
	case "prev_frame":
		return player.PrevFrame{}
	case "speed":
		return player.Speed{Value: c.Value}
	case "chapter":
		return player.Chapter{Incr: c.Incr}
	case "seek":
		return player.Seek{Mode: c.Mode, Value: c.Value}
	}
	return nil
}

func (s *Server) writePump(c *client) {
	for out := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		mt := websocket.TextMessage
		if out.binary {
			mt = websocket.BinaryMessage
		}
		if err := c.conn.WriteMessage(mt, out.payload); err != nil {
			return
		}
	}
	c.conn.Close()
}

// Pump forwards every engine event to the connected hosts until the event
// channel closes or ctx is cancelled.
func (s *Server) Pump(ctx context.Context, events <-chan player.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev player.Event) {
	var out outgoing
	switch e := ev.(type) {
	case player.PictureEvent:
		out = outgoing{binary: true, payload: encodePicture(e)}
	default:
		payload, err := encodeJSON(ev)
		if err != nil {
			s.log.Warn("encode event", "error", err)
			return
		}
		if payload == nil {
			return
		}
		out = outgoing{payload: payload}
	}

	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- out:
		default:
			// Slow host: drop the event rather than stall the engine.
		}
	}
	s.mu.Unlock()
}

func encodeJSON(ev player.Event) ([]byte, error) {
	type wire map[string]any
	var msg wire
	switch e := ev.(type) {
	case player.LogEvent:
		msg = wire{"event": "log", "level": e.Level.String(), "msg": e.Message}
	case player.TimeEvent:
		msg = wire{"event": "time", "seconds": e.Seconds}
	case player.StatusEvent:
		msg = wire{"event": "status", "status": string(e.Status)}
	case player.MetaEvent:
		msg = wire{
			"event": "meta", "start_time": e.StartTime, "duration": e.Duration,
			"width": e.Width, "height": e.Height, "info": e.Info,
		}
	case player.StaticsEvent:
		msg = wire{"event": "statics", "fps": e.FPS, "tbr": e.TBR, "tbn": e.TBN, "tbc": e.TBC}
	case player.SubtitleEvent:
		texts := make([]string, 0, len(e.Frame.Rects))
		for _, r := range e.Frame.Rects {
			texts = append(texts, r.Text)
		}
		msg = wire{"event": "subtitle", "pts": e.PTS, "texts": texts}
	case player.ErrorEvent:
		msg = wire{"event": "error", "message": e.Err.Error()}
	case player.EndEvent:
		msg = wire{"event": "end"}
	default:
		return nil, nil
	}
	return json.Marshal(msg)
}

// encodePicture frames a picture event as: u32 width, u32 height, i64
// frameId, i64 pts in microseconds, u32 stride × 3, then the Y, U, V planes.
func encodePicture(e player.PictureEvent) []byte {
	head := make([]byte, 36)
	binary.LittleEndian.PutUint32(head[0:], uint32(e.Width))
	binary.LittleEndian.PutUint32(head[4:], uint32(e.Height))
	binary.LittleEndian.PutUint64(head[8:], uint64(e.FrameID))
	binary.LittleEndian.PutUint64(head[16:], uint64(int64(e.PTS*1e6)))
	binary.LittleEndian.PutUint32(head[24:], uint32(e.Y.Stride))
	binary.LittleEndian.PutUint32(head[28:], uint32(e.U.Stride))
	binary.LittleEndian.PutUint32(head[32:], uint32(e.V.Stride))

	payload := make([]byte, 0, len(head)+len(e.Y.Bytes)+len(e.U.Bytes)+len(e.V.Bytes))
	payload = append(payload, head...)
	payload = append(payload, e.Y.Bytes...)
	payload = append(payload, e.U.Bytes...)
	payload = append(payload, e.V.Bytes...)
	return payload
}

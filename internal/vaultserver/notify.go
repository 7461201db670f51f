// Package vaultserver is the private-vault local HTTP file service.
// notify.go implements a per-Server websocket hub that pushes live-update
// notifications to any connected browser tab whenever a file changes
// through the REST surface.
package vaultserver

import (
	"net/http"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true }, // permissive CORS for local editor UIs.
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type connection struct {
	ws   *websocket.Conn
	send chan []byte
}

func (c *connection) writer() {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *connection) reader() {
	// The client never sends anything meaningful; this only exists to
	// detect disconnect via a read error.
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// hub fans out change notifications to every connected client. One hub per
// Server instance, since a process may in principle run more than one
// vault server.
type hub struct {
	register   chan *connection
	unregister chan *connection
	broadcast  chan []byte
	conns      map[*connection]bool
}

func newHub() *hub {
	return &hub{
		register:   make(chan *connection),
		unregister: make(chan *connection),
		broadcast:  make(chan []byte),
		conns:      make(map[*connection]bool),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.conns[c] = true
		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.conns {
				select {
				case c.send <- msg:
				default:
					delete(h.conns, c)
					close(c.send)
				}
			}
		}
	}
}

// notifyHandler upgrades to a websocket and registers the connection with
// the server's hub, the same register/writer/reader/unregister dance as
// livereload.Handler.
func (s *Server) notifyHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("vaultserver: websocket upgrade failed: %v", err)
		return
	}
	c := &connection{send: make(chan []byte, 256), ws: ws}
	s.hub.register <- c
	defer func() { s.hub.unregister <- c }()
	go c.writer()
	c.reader()
}

// notifyChanged broadcasts that relPath changed and how, for any connected
// live browser tab to refetch or drop it. Every mutating call triggers this.
func (s *Server) notifyChanged(relPath, action string) {
	msg := []byte(`{"path":` + jsonQuote(relPath) + `,"action":` + jsonQuote(action) + `}`)
	select {
	case s.hub.broadcast <- msg:
	default:
	}
}

// jsonQuote quotes s as a JSON string literal without pulling in
// encoding/json for a single field; the escaping rules that matter here
// (quote and backslash) are the only ones a file path can realistically hit.
func jsonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			out = append(out, '\\', c)
		default:
			out = append(out, c)
		}
	}
	out = append(out, '"')
	return string(out)
}

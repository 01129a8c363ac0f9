package observer

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// wsConn adapts a WebSocket to Conn. Frames are sent as text.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// OriginPatterns converts allowed browser origins ("http://localhost:3000")
// into the host patterns accepted by the WebSocket handshake.
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			patterns = append(patterns, o)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}

// Handler returns an http.Handler that upgrades requests to observer
// connections. operator grants join/leave rights; originPatterns lists the
// cross-origin hosts allowed to connect.
func (r *Relay) Handler(operator bool, originPatterns []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			r.log.Warn("observer handshake failed", "path", req.URL.Path, "error", err)
			return
		}

		r.log.Info("observer connection established", "path", req.URL.Path, "remote", req.RemoteAddr)
		r.serve(req.Context(), conn, operator)
	})
}

// serve registers conn and processes its inbound messages until it closes.
func (r *Relay) serve(ctx context.Context, conn *websocket.Conn, operator bool) {
	o := r.Register(&wsConn{c: conn}, operator)
	defer r.Unregister(o)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				r.log.Info("observer connection closed", "observer_id", o.id)
			} else {
				r.log.Warn("observer connection error", "observer_id", o.id, "error", err)
			}
			return
		}

		r.HandleInbound(ctx, o, data)
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// streamEvents handles GET /events as a server-sent event stream of the
// caller's notifications. The subscription ends with the request.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	user := userFrom(r.Context())
	ch := s.hub.Subscribe(user)
	defer s.hub.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, open := <-ch.Events():
			if !open {
				return
			}
			writeSSEEvent(w, flusher, evt)
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, evt scrape.Notification) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
	flusher.Flush()
}

// streamWebSocket handles GET /events/ws. Frames are JSON notifications; the
// client side is read only to notice close frames and dead peers.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	user := userFrom(r.Context())
	ch := s.hub.Subscribe(user)
	defer s.hub.Unsubscribe(ch)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, open := <-ch.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := writeFrame(conn, ws.OpText, payload); err != nil {
				s.logger.Debug("websocket write failed", zap.String("user_id", user), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := writeFrame(conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeFrame(conn net.Conn, op ws.OpCode, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wsutil.WriteServerMessage(conn, op, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

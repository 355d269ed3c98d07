package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
)

const streamWriteTimeout = 5 * time.Second

// handleAuditStream pushes audit events to a websocket client as they are
// recorded. The query parameters category, severity and task_id filter the
// stream the same way they filter /api/audit. A client that cannot keep up is
// disconnected rather than allowed to stall the bus.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	f, err := ParseAuditFilter(r.URL.Query(), time.Now().UTC())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	// Time bounds and limits make no sense for a live stream.
	f.Since, f.Until, f.Limit = time.Time{}, time.Time{}, 0

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.cfg.Logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.cfg.Bus.Subscribe(bus.TopicAuditRecorded)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The stream is one-way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	s.cfg.Logger.Info("ws: audit stream connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("ws: audit stream closed", "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			rec, ok := ev.Payload.(audit.Event)
			if !ok || !f.Match(rec) {
				continue
			}
			if err := writeEvent(ctx, conn, rec); err != nil {
				s.cfg.Logger.Warn("ws: audit stream write failed", "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev audit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

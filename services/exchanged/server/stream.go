package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	replayLimit    = 500
)

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		fail(w, r, err)
		return
	}
	limit := replayLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(w, r, badRequest("invalid limit"))
			return
		}
		if n < limit {
			limit = n
		}
	}
	evs, err := s.deps.Events.Replay(r.Context(), after, strings.TrimSpace(r.URL.Query().Get("paymentId")), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	for i := range evs {
		evs[i] = redactEvent(evs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleStream upgrades to a websocket and pushes live conversion events.
// When after is supplied the journal is replayed first; live events already
// covered by the replay are skipped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	replay := strings.TrimSpace(query.Get("after")) != ""
	after, err := parseCursor(query.Get("after"))
	if err != nil {
		fail(w, r, err)
		return
	}
	var types []events.Type
	for _, raw := range strings.Split(query.Get("types"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			types = append(types, events.Type(raw))
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.CORSOrigins, InsecureSkipVerify: len(s.cfg.CORSOrigins) == 0})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, replay, after, types); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, replay bool, after int64, types []events.Type) error {
	sub := s.deps.Events.Subscribe(64, types...)
	defer sub.Close()

	last := after
	if replay {
		backlog, err := s.deps.Events.Replay(ctx, after, "", replayLimit)
		if err != nil {
			return err
		}
		for _, ev := range backlog {
			if !wanted(types, ev.Type) {
				last = ev.Sequence
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
			last = ev.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if replay && ev.Sequence != 0 && ev.Sequence <= last {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(redactEvent(ev))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func wanted(types []events.Type, t events.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func redactEvent(ev events.Event) events.Event {
	if ev.PixKey != "" {
		ev.PixKey = logging.MaskPixKey(ev.PixKey)
	}
	return ev
}

func parseCursor(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, badRequest("invalid cursor %q", raw)
	}
	return after, nil
}

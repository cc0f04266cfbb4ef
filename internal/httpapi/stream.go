package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	sseSyncFrame      = "data: sync\n\n"
	sseKeepAliveFrame = ": keep-alive\n\n"
	wsSyncMessage     = "sync"
)

// handleStream holds a Server-Sent Events response open and writes one
// "sync" event per wake-up. Events queued while a write was in flight are
// coalesced into the next frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, p principal) {
	broadcaster := s.syncer.Broadcaster()
	sub, err := broadcaster.Subscribe(p.UserID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "stream unavailable", p.CorrelationID)
		return
	}
	defer broadcaster.Unsubscribe(p.UserID, sub.ID)

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	glog.V(1).Infof("httpapi: stream %s opened for user %s", sub.ID, p.UserID)

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			drain(sub)
			if !s.writeStreamFrame(w, rc, sseSyncFrame) {
				return
			}
			keepAlive.Reset(s.cfg.KeepAlive)
		case <-keepAlive.C:
			if !s.writeStreamFrame(w, rc, sseKeepAliveFrame) {
				return
			}
		}
	}
}

func (s *Server) writeStreamFrame(w http.ResponseWriter, rc *http.ResponseController, frame string) bool {
	if err := rc.SetWriteDeadline(time.Now().Add(s.cfg.StreamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return false
	}
	if _, err := io.WriteString(w, frame); err != nil {
		return false
	}
	return rc.Flush() == nil
}

func drain(sub *relaysync.Subscription) {
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// handleWebsocket mirrors handleStream over a websocket: each wake-up is a
// text message "sync", idle periods are covered by pings.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, p principal) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		glog.V(1).Infof("httpapi: websocket upgrade for user %s failed: %v", p.UserID, err)
		return
	}
	defer conn.CloseNow()

	broadcaster := s.syncer.Broadcaster()
	sub, err := broadcaster.Subscribe(p.UserID)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "stream unavailable")
		return
	}
	defer broadcaster.Unsubscribe(p.UserID, sub.ID)

	ctx := conn.CloseRead(r.Context())
	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			drain(sub)
			if err := s.writeWebsocket(ctx, conn); err != nil {
				return
			}
			keepAlive.Reset(s.cfg.KeepAlive)
		case <-keepAlive.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWebsocket(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, []byte(wsSyncMessage))
}

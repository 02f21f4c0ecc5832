package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"scribe/internal/scribe"
)

const feedWriteTimeout = 5 * time.Second

// feedMessage is one push of the live project list.
type feedMessage struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Projects  []*scribe.Project `json:"projects"`
}

// projectFeed streams the caller's project summaries over a websocket,
// once on connect and again after every change.
func (s *Server) projectFeed(w http.ResponseWriter, r *http.Request) {
	if s.projects.Owner(r.Context()) == "" {
		s.writeError(w, r, scribe.ErrNotAuthenticated)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(s.origins),
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Only the latest list matters; a slow client skips intermediate ones.
	updates := make(chan []*scribe.Project, 1)
	unsubscribe, err := s.projects.SubscribeList(r.Context(), func(projects []*scribe.Project) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- projects:
		default:
		}
	})
	if err != nil {
		s.logger.Warn("project feed subscribe failed", "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case projects := <-updates:
			if err := s.push(ctx, conn, projects); err != nil {
				s.logger.Debug("project feed closed", "error", err)
				return
			}
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn, projects []*scribe.Project) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, feedMessage{Type: "projects", Timestamp: time.Now(), Projects: projects})
}

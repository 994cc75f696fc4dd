package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const subscribeWriteTimeout = 5 * time.Second

// changeNotice tells a subscriber that the delta feed has advanced. Clients
// fetch the changes themselves with their own cursor.
type changeNotice struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
}

// handleSubscribe upgrades to a websocket and sends a notice whenever the
// caller's latest visible change id moves forward.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, env relaysync.Env, correlationID string) {
	latest, err := env.Changes().LatestSequence(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "correlation_id", correlationID, "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send anything; CloseRead handles pings and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("delta subscriber connected", "user", env.UserID, "correlation_id", correlationID)

	if err := writeNotice(ctx, conn, latest); err != nil {
		return
	}
	ticker := time.NewTicker(s.cfg.SubscribePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("delta subscriber gone", "user", env.UserID, "correlation_id", correlationID)
			return
		case <-ticker.C:
			current, err := env.Changes().LatestSequence(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("poll latest change failed", "user", env.UserID, "err", err)
					_ = conn.Close(websocket.StatusInternalError, "change feed unavailable")
				}
				return
			}
			if current <= latest {
				continue
			}
			latest = current
			if err := writeNotice(ctx, conn, latest); err != nil {
				return
			}
		}
	}
}

func writeNotice(ctx context.Context, conn *websocket.Conn, sequence int64) error {
	ctx, cancel := context.WithTimeout(ctx, subscribeWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, changeNotice{Type: "changes", Sequence: sequence})
}

package management

import (
	"context"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"gemchat-go/internal/events"
	hcommon "gemchat-go/internal/handlers/common"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var feedTopics = []string{
	events.TopicPoolConfigured,
	events.TopicKeyCooledDown,
	events.TopicKeyInvalidated,
	events.TopicKeyRecovered,
	events.TopicKeysRemoved,
	events.TopicMetricsReset,
	events.TopicProbeCompleted,
}

// Same-origin only; operator tooling connects without an Origin header.
var feedUpgrader = ws.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := neturl.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}}

// EventsFeed streams key lifecycle events over a websocket: pool
// reconfiguration, cooldowns, invalidations, recoveries, removals,
// metric resets and probe completions.
func (h *Handler) EventsFeed(c *gin.Context) {
	if h.hub == nil {
		hcommon.AbortWithError(c, http.StatusServiceUnavailable, "events_unavailable", "event hub not running")
		return
	}

	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()

	out := make(chan events.Event, 64)
	unsubs := make([]func(), 0, len(feedTopics))
	for _, topic := range feedTopics {
		unsubs = append(unsubs, h.hub.Subscribe(topic, func(_ context.Context, e events.Event) {
			select {
			case out <- e:
			default:
				// Slow consumer; drop rather than block the pool.
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	// Read loop detects the peer going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case e := <-out:
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("Event feed write failed, closing")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(ws.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

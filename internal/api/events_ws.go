package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tftpd/internal/events"
)

const (
	feedBuffer     = 64
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

var feedSeq atomic.Int64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventFeed upgrades to a websocket and streams every bus event as
// JSON. A client that cannot keep up loses events rather than slowing the
// bus down.
func (s *Server) handleEventFeed(c *gin.Context) {
	if s.eventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event feed unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	name := fmt.Sprintf("ws:%d", feedSeq.Add(1))
	logger := log.With().Str("component", "event_feed").Str("subscriber", name).Logger()

	feed := make(chan events.Event, feedBuffer)
	var dropped atomic.Int64
	s.eventBus.SubscribeAll(name, func(_ context.Context, e events.Event) error {
		select {
		case feed <- e:
		default:
			dropped.Add(1)
		}
		return nil
	})
	defer s.eventBus.UnsubscribeAll(name)

	logger.Info().Str("remote", c.ClientIP()).Msg("event feed client connected")

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			logger.Info().Int64("dropped", dropped.Load()).Msg("event feed client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case e := <-feed:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug().Err(err).Msg("event feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

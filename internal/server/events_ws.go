package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/paperledger/internal/events"
)

// EventsSocketHandler streams system events over a websocket, for
// clients that need bidirectional framing or cannot use SSE.
type EventsSocketHandler struct {
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewEventsSocketHandler creates a websocket events handler.
func NewEventsSocketHandler(em *events.Manager, log zerolog.Logger) *EventsSocketHandler {
	return &EventsSocketHandler{
		eventManager: em,
		log:          log.With().Str("component", "events_ws").Logger(),
	}
}

// ServeHTTP handles GET /api/events/ws.
func (h *EventsSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	allowedTypes := parseTypesFilter(r.URL.Query().Get("types"))

	eventChan, cancel := h.eventManager.Subscribe()
	defer cancel()

	h.log.Info().Msg("Client connected to websocket event stream")

	ctx := r.Context()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-eventChan:
			if allowedTypes != nil && !allowedTypes[event.Type] {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				h.log.Debug().Err(err).Msg("Websocket write failed, closing")
				return
			}

		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

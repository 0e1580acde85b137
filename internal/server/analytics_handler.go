package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/analytics"
	"github.com/gin-gonic/gin"
)

const opDecodeAnalytics = "analytics.decode_request"

type tallyEventPayload struct {
	MessageIDs []string `json:"messageIds"`
	Timestamp  string   `json:"timestamp"`
	Source     string   `json:"source"`
}

func (h *httpHandler) handleVoteAnalytics(c *gin.Context) {
	query := analytics.Query{
		GroupBy:   analytics.GroupBy(c.Query("groupBy")),
		MessageID: c.Query("messageId"),
		Geo:       c.Query("geo"),
		Party:     c.Query("party"),
		Demo:      c.Query("demo"),
		From:      c.Query("from"),
		To:        c.Query("to"),
	}
	if raw := strings.TrimSpace(c.Query("rollup")); raw != "" {
		rollup, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, invalidRequest(opDecodeAnalytics, "invalid_rollup", "rollup must be true or false"))
			return
		}
		query.Rollup = rollup
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, invalidRequest(opDecodeAnalytics, "invalid_limit", "limit must be an integer"))
			return
		}
		query.Limit = limit
	}

	report, err := h.analytics.Aggregate(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleResultsStream pushes tally-change events as server-sent events. The
// optional messageId query narrows the stream to one message.
func (h *httpHandler) handleResultsStream(c *gin.Context) {
	topic := TopicAllTallies
	if messageID := strings.TrimSpace(c.Query("messageId")); messageID != "" {
		topic = messageID
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, topic)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(realtimeEventHeartbeat, tallyEventPayload{MessageIDs: []string{}, Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Source: realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, tallyEventPayload{
				MessageIDs: event.MessageIDs,
				Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
				Source:     realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, tallyEventPayload{MessageIDs: []string{}, Timestamp: tick.UTC().Format(time.RFC3339Nano), Source: realtimeSourceBackend})
			return true
		}
	})
}

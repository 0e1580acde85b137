package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/civicpulse/backend/internal/votes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opSubmitVotes = "votes.submit"

	headerIdempotencyKey = "Idempotency-Key"
	headerAnonSessionID  = "X-Anon-Session-ID"
)

type voteRequestPayload struct {
	Votes          []votePayload   `json:"votes"`
	UserContext    json.RawMessage `json:"userContext"`
	UserID         string          `json:"userId"`
	AnonSessionID  string          `json:"anonSessionId"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// votePayload keeps choice and votedAtClient raw: clients send either JSON
// strings or numbers for both.
type votePayload struct {
	MessageID     string          `json:"messageId"`
	Choice        json.RawMessage `json:"choice"`
	VotedAtClient json.RawMessage `json:"votedAtClient"`
}

// limitVotes applies the per-caller token bucket. The caller is the session
// user, then the anonymous session header, then the client address.
func (h *httpHandler) limitVotes(c *gin.Context) {
	key := "ip:" + c.ClientIP()
	if claims, ok := sessionFrom(c); ok {
		key = "user:" + claims.UserID
	} else if anon := strings.TrimSpace(c.GetHeader(headerAnonSessionID)); anon != "" {
		key = "anon:" + anon
	}
	if !h.limiter.Allow(key) {
		abortWith(c, http.StatusTooManyRequests, errorKindRateLimited, "votes.submit.rate_limited", "too many vote submissions, retry shortly")
		return
	}
	c.Next()
}

func (h *httpHandler) handleSubmitVotes(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, invalidRequest(opSubmitVotes, "invalid_json", "request body must be a JSON vote batch"))
		return
	}

	batch := votes.Batch{
		Votes:          make([]votes.Vote, 0, len(request.Votes)),
		UserID:         strings.TrimSpace(request.UserID),
		AnonSessionID:  firstNonEmpty(request.AnonSessionID, c.GetHeader(headerAnonSessionID)),
		IdempotencyKey: firstNonEmpty(request.IdempotencyKey, c.GetHeader(headerIdempotencyKey)),
	}
	for _, vote := range request.Votes {
		batch.Votes = append(batch.Votes, votes.Vote{
			MessageID:     vote.MessageID,
			Choice:        parseChoice(vote.Choice),
			VotedAtClient: scalarText(vote.VotedAtClient),
		})
	}

	userContext := votes.ParseUserContext(request.UserContext).Normalized()
	if claims, ok := sessionFrom(c); ok {
		batch.UserID = claims.UserID
		sessionContext := votes.UserContext{
			Geo:   claims.GeoBucket,
			Party: claims.PartyBucket,
			Demo:  claims.DemoBucket,
		}.Normalized()
		userContext = userContext.Or(sessionContext)
	}
	batch.Context = userContext

	result, err := h.votes.ProcessBatch(c.Request.Context(), batch)
	if err != nil {
		h.logger.Debug("vote batch rejected", zap.Int("votes", len(batch.Votes)), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// parseChoice accepts 3 or "3". Anything else becomes the invalid choice 0 so
// the engine rejects the batch.
func parseChoice(raw json.RawMessage) votes.Choice {
	value, err := strconv.Atoi(scalarText(raw))
	if err != nil {
		return 0
	}
	return votes.Choice(value)
}

// scalarText returns a JSON string's contents or a JSON number's literal text.
func scalarText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return ""
		}
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return ""
	}
	return number.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/catalog"
	"github.com/gin-gonic/gin"
)

const (
	opDecodeCatalog = "catalog.decode_request"
	reasonBadJSON   = "invalid_json"
	reasonBadStatus = "invalid_status"
)

type messagePayload struct {
	ID        string  `json:"id"`
	Slogan    string  `json:"slogan"`
	Subline   *string `json:"subline"`
	Status    string  `json:"status"`
	Rank      string  `json:"rank"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

type pairPayload struct {
	ID         string `json:"id"`
	MessageAID string `json:"messageAId"`
	MessageBID string `json:"messageBId"`
	Status     string `json:"status"`
	Rank       string `json:"rank"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type createMessageRequest struct {
	Slogan  string  `json:"slogan"`
	Subline *string `json:"subline"`
	Status  string  `json:"status"`
}

// updateMessageRequest keeps subline raw so an explicit null clears it while an
// absent field leaves it alone.
type updateMessageRequest struct {
	Slogan  *string         `json:"slogan"`
	Subline json.RawMessage `json:"subline"`
	Status  *string         `json:"status"`
}

type statusChangePayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type bulkStatusRequest struct {
	Changes []statusChangePayload `json:"changes"`
}

type bulkFailurePayload struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type bulkStatusResponse struct {
	Succeeded []string             `json:"succeeded"`
	Failed    []bulkFailurePayload `json:"failed"`
}

type bulkPartialResponse struct {
	errorPayload
	bulkStatusResponse
}

type createPairRequest struct {
	MessageAID string `json:"messageAId"`
	MessageBID string `json:"messageBId"`
	Status     string `json:"status"`
}

type updatePairRequest struct {
	Status string `json:"status"`
}

type reorderRequest struct {
	BeforeID string `json:"beforeId"`
	AfterID  string `json:"afterId"`
}

type reorderResponse struct {
	ID         string `json:"id"`
	Rank       string `json:"rank"`
	Moved      bool   `json:"moved"`
	Rebalanced bool   `json:"rebalanced"`
}

func toMessagePayload(message catalog.Message) messagePayload {
	return messagePayload{
		ID:        message.ID,
		Slogan:    message.Slogan,
		Subline:   message.Subline,
		Status:    string(message.Status),
		Rank:      message.Rank,
		CreatedAt: message.CreatedAtSeconds,
		UpdatedAt: message.UpdatedAtSeconds,
	}
}

func toPairPayload(pair catalog.ABPair) pairPayload {
	return pairPayload{
		ID:         pair.ID,
		MessageAID: pair.MessageAID,
		MessageBID: pair.MessageBID,
		Status:     string(pair.Status),
		Rank:       pair.Rank,
		CreatedAt:  pair.CreatedAtSeconds,
		UpdatedAt:  pair.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handlePublicMessages(c *gin.Context) {
	active := catalog.StatusActive
	messages, err := h.catalog.ListMessages(c.Request.Context(), catalog.ListFilter{Status: &active})
	if err != nil {
		writeError(c, err)
		return
	}
	response := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		response = append(response, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": response})
}

func (h *httpHandler) handlePublicPairs(c *gin.Context) {
	active := catalog.StatusActive
	pairs, err := h.catalog.ListPairs(c.Request.Context(), catalog.ListFilter{Status: &active})
	if err != nil {
		writeError(c, err)
		return
	}
	response := make([]pairPayload, 0, len(pairs))
	for _, pair := range pairs {
		response = append(response, toPairPayload(pair))
	}
	c.JSON(http.StatusOK, gin.H{"pairs": response})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	filter, err := listFilterFrom(c)
	if err != nil {
		writeError(c, err)
		return
	}
	messages, err := h.catalog.ListMessages(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	response := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		response = append(response, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": response})
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	var request createMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "request body must be a JSON message"))
		return
	}
	message, err := h.catalog.CreateMessage(c.Request.Context(), catalog.MessageInput{
		Slogan:  request.Slogan,
		Subline: request.Subline,
		Status:  catalog.Status(strings.TrimSpace(request.Status)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessagePayload(message))
}

func (h *httpHandler) handleGetMessage(c *gin.Context) {
	message, err := h.catalog.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMessagePayload(message))
}

func (h *httpHandler) handleUpdateMessage(c *gin.Context) {
	var request updateMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "request body must be a JSON message patch"))
		return
	}
	patch := catalog.MessagePatch{Slogan: request.Slogan}
	if request.Status != nil {
		status := catalog.Status(*request.Status)
		patch.Status = &status
	}
	subline := bytes.TrimSpace(request.Subline)
	switch {
	case len(subline) == 0:
	case bytes.Equal(subline, []byte("null")):
		patch.ClearSubline = true
	default:
		var text string
		if err := json.Unmarshal(subline, &text); err != nil {
			writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "subline must be a string or null"))
			return
		}
		patch.Subline = &text
	}

	message, err := h.catalog.UpdateMessage(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMessagePayload(message))
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	if err := h.catalog.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBulkStatus(c *gin.Context) {
	var request bulkStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "request body must list status changes"))
		return
	}
	changes := make([]catalog.StatusChange, 0, len(request.Changes))
	for _, change := range request.Changes {
		changes = append(changes, catalog.StatusChange{ID: change.ID, Status: catalog.Status(change.Status)})
	}

	result, err := h.catalog.UpdateMessageStatuses(c.Request.Context(), changes)
	response := bulkStatusResponse{Succeeded: result.Succeeded, Failed: make([]bulkFailurePayload, 0, len(result.Failed))}
	for _, failure := range result.Failed {
		response.Failed = append(response.Failed, bulkFailurePayload(failure))
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, response)
	case apperr.Is(err, apperr.KindPartialFailure):
		c.JSON(http.StatusMultiStatus, bulkPartialResponse{errorPayload: errorBody(err), bulkStatusResponse: response})
	default:
		writeError(c, err)
	}
}

func (h *httpHandler) handleListPairs(c *gin.Context) {
	filter, err := listFilterFrom(c)
	if err != nil {
		writeError(c, err)
		return
	}
	pairs, err := h.catalog.ListPairs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	response := make([]pairPayload, 0, len(pairs))
	for _, pair := range pairs {
		response = append(response, toPairPayload(pair))
	}
	c.JSON(http.StatusOK, gin.H{"pairs": response})
}

func (h *httpHandler) handleCreatePair(c *gin.Context) {
	var request createPairRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "request body must be a JSON pair"))
		return
	}
	pair, err := h.catalog.CreatePair(c.Request.Context(), catalog.PairInput{
		MessageAID: request.MessageAID,
		MessageBID: request.MessageBID,
		Status:     catalog.Status(strings.TrimSpace(request.Status)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPairPayload(pair))
}

func (h *httpHandler) handleGetPair(c *gin.Context) {
	pair, err := h.catalog.GetPair(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPairPayload(pair))
}

func (h *httpHandler) handleUpdatePair(c *gin.Context) {
	var request updatePairRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "request body must carry a status"))
		return
	}
	pair, err := h.catalog.UpdatePairStatus(c.Request.Context(), c.Param("id"), catalog.Status(request.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPairPayload(pair))
}

func (h *httpHandler) handleDeletePair(c *gin.Context) {
	if err := h.catalog.DeletePair(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReorder(ns catalog.Namespace) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request reorderRequest
		// an empty body moves the item to the bottom
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				writeError(c, invalidRequest(opDecodeCatalog, reasonBadJSON, "request body must carry beforeId or afterId"))
				return
			}
		}
		result, err := h.catalog.Reorder(c.Request.Context(), ns, catalog.ReorderRequest{
			TargetID: c.Param("id"),
			BeforeID: request.BeforeID,
			AfterID:  request.AfterID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, reorderResponse(result))
	}
}

func listFilterFrom(c *gin.Context) (catalog.ListFilter, error) {
	raw := strings.TrimSpace(c.Query("status"))
	if raw == "" {
		return catalog.ListFilter{}, nil
	}
	status, err := catalog.ParseStatus(raw)
	if err != nil {
		return catalog.ListFilter{}, invalidRequest(opDecodeCatalog, reasonBadStatus, "status must be active or inactive")
	}
	return catalog.ListFilter{Status: &status}, nil
}

package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/civicpulse/backend/internal/auth"
	"github.com/civicpulse/backend/internal/catalog"
	"github.com/civicpulse/backend/internal/votes"
)

type messageListResponse struct {
	Messages []messagePayload `json:"messages"`
}

func listedIDs(messages []messagePayload) []string {
	result := make([]string, 0, len(messages))
	for _, message := range messages {
		result = append(result, message.ID)
	}
	return result
}

func expectIDs(t *testing.T, actual []string, expected ...string) {
	t.Helper()
	if strings.Join(actual, ",") != strings.Join(expected, ",") {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}

func TestVoteReplayAndAnalyticsEndToEnd(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()

	listing := server.do(http.MethodGet, "/messages", "")
	expectStatus(t, listing, http.StatusOK)
	var active messageListResponse
	decodeBody(t, listing, &active)
	expectIDs(t, listedIDs(active.Messages), "msg_a", "msg_m", "msg_z")

	batch := `{"idempotencyKey":"k1","votes":[` +
		`{"messageId":"msg_a","choice":1,"votedAtClient":` + testVotedAtMillis + `},` +
		`{"messageId":"msg_m","choice":"3","votedAtClient":"2023-11-14T11:59:00Z"}]}`
	first := server.do(http.MethodPost, "/votes", batch)
	expectStatus(t, first, http.StatusOK)
	var firstResult votes.Result
	decodeBody(t, first, &firstResult)
	if firstResult.Accepted != 2 || firstResult.Dropped != 0 || firstResult.Replayed {
		t.Fatalf("unexpected first result: %+v", firstResult)
	}

	second := server.do(http.MethodPost, "/votes", batch)
	expectStatus(t, second, http.StatusOK)
	var secondResult votes.Result
	decodeBody(t, second, &secondResult)
	if secondResult.Accepted != 0 || secondResult.Dropped != 2 || !secondResult.Replayed {
		t.Fatalf("unexpected replay result: %+v", secondResult)
	}

	report := server.do(http.MethodGet, "/admin/analytics/votes?groupBy=message&messageId=msg_a", "", withCookie(server.adminCookie()))
	expectStatus(t, report, http.StatusOK)
	var payload struct {
		Items []struct {
			Key    string `json:"key"`
			Counts struct {
				Love int64 `json:"love"`
				N    int64 `json:"n"`
			} `json:"counts"`
			Rates struct {
				Favorability float64 `json:"favorability"`
			} `json:"rates"`
		} `json:"items"`
		Source string `json:"source"`
	}
	decodeBody(t, report, &payload)
	if len(payload.Items) != 1 {
		t.Fatalf("expected one item, got %+v", payload)
	}
	item := payload.Items[0]
	if item.Key != "msg_a" || item.Counts.Love != 1 || item.Counts.N != 1 || item.Rates.Favorability != 1 {
		t.Fatalf("unexpected analytics item: %+v", item)
	}
	if payload.Source != "live" {
		t.Fatalf("expected live source, got %q", payload.Source)
	}
}

func TestIdempotencyKeyHeaderIsHonored(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()

	batch := `{"votes":[{"messageId":"msg_z","choice":2,"votedAtClient":"` + testVotedAtMillis + `"}]}`
	first := server.do(http.MethodPost, "/votes", batch, withHeader(headerIdempotencyKey, "hdr-1"), withHeader(headerAnonSessionID, "anon-7"))
	expectStatus(t, first, http.StatusOK)
	replay := server.do(http.MethodPost, "/votes", batch, withHeader(headerIdempotencyKey, "hdr-1"), withHeader(headerAnonSessionID, "anon-7"))
	var result votes.Result
	decodeBody(t, replay, &result)
	if !result.Replayed {
		t.Fatalf("expected replay for repeated header key, got %+v", result)
	}

	otherCaller := server.do(http.MethodPost, "/votes", batch, withHeader(headerIdempotencyKey, "hdr-1"), withHeader(headerAnonSessionID, "anon-8"))
	decodeBody(t, otherCaller, &result)
	if result.Replayed || result.Accepted != 1 {
		t.Fatalf("expected a different caller's key to be independent, got %+v", result)
	}
}

func TestSubmitVotesRejectsMalformedBatches(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()

	testCases := map[string]string{
		"not json":       `{"votes":`,
		"empty batch":    `{"votes":[]}`,
		"bad choice":     `{"votes":[{"messageId":"msg_a","choice":5,"votedAtClient":"` + testVotedAtMillis + `"}]}`,
		"fraction":       `{"votes":[{"messageId":"msg_a","choice":1.5,"votedAtClient":"` + testVotedAtMillis + `"}]}`,
		"bad timestamp":  `{"votes":[{"messageId":"msg_a","choice":1,"votedAtClient":"yesterday"}]}`,
		"missing id":     `{"votes":[{"choice":1,"votedAtClient":"` + testVotedAtMillis + `"}]}`,
		"future vote":    `{"votes":[{"messageId":"msg_a","choice":1,"votedAtClient":"2023-11-15T12:00:00Z"}]}`,
		"choice as bool": `{"votes":[{"messageId":"msg_a","choice":true,"votedAtClient":"` + testVotedAtMillis + `"}]}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			recorder := server.do(http.MethodPost, "/votes", body)
			expectError(t, recorder, http.StatusBadRequest, "INVALID_INPUT")
		})
	}

	var shards int64
	if err := server.db.Model(&votes.Shard{}).Count(&shards).Error; err != nil {
		t.Fatalf("failed to count shards: %v", err)
	}
	if shards != 0 {
		t.Fatalf("expected no shard writes, found %d", shards)
	}
}

func TestSubmitVotesDropsUnknownAndInactiveMessages(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()

	body := `{"votes":[` +
		`{"messageId":"msg_a","choice":1,"votedAtClient":"` + testVotedAtMillis + `"},` +
		`{"messageId":"msg_zz","choice":1,"votedAtClient":"` + testVotedAtMillis + `"},` +
		`{"messageId":"msg_missing","choice":1,"votedAtClient":"` + testVotedAtMillis + `"}]}`
	recorder := server.do(http.MethodPost, "/votes", body)
	expectStatus(t, recorder, http.StatusOK)
	var result votes.Result
	decodeBody(t, recorder, &result)
	if result.Accepted != 1 || result.Dropped != 2 || len(result.Errors) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	for _, voteError := range result.Errors {
		if voteError.Code != "INVALID_MESSAGE_ID" {
			t.Fatalf("unexpected vote error: %+v", voteError)
		}
	}
}

func TestSessionSuppliesIdentityAndFallbackContext(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()
	cookie := server.sessionCookie(auth.SessionClaims{UserID: "voter-1", GeoBucket: "NY", PartyBucket: "dem"})

	body := `{"votes":[{"messageId":"msg_a","choice":1,"votedAtClient":"` + testVotedAtMillis + `"}]}`
	expectStatus(t, server.do(http.MethodPost, "/votes", body, withCookie(cookie)), http.StatusOK)

	explicit := `{"userContext":{"geoBucket":"ca"},"votes":[{"messageId":"msg_m","choice":2,"votedAtClient":"` + testVotedAtMillis + `"}]}`
	expectStatus(t, server.do(http.MethodPost, "/votes", explicit, withCookie(cookie)), http.StatusOK)

	admin := withCookie(server.adminCookie())
	byGeo := server.do(http.MethodGet, "/admin/analytics/votes?groupBy=geo", "", admin)
	expectStatus(t, byGeo, http.StatusOK)
	var report struct {
		Items []struct {
			Key string `json:"key"`
		} `json:"items"`
	}
	decodeBody(t, byGeo, &report)
	keys := make([]string, 0, len(report.Items))
	for _, item := range report.Items {
		keys = append(keys, item.Key)
	}
	expectIDs(t, keys, "ca", "ny")

	byParty := server.do(http.MethodGet, "/admin/analytics/votes?groupBy=party&messageId=msg_m", "", admin)
	decodeBody(t, byParty, &report)
	if len(report.Items) != 0 {
		t.Fatalf("explicit context must replace the session buckets, got %+v", report.Items)
	}

	var record votes.IdempotencyRecord
	if err := server.db.Take(&record).Error; err == nil {
		t.Fatalf("no idempotency record expected without a key, found %+v", record)
	}
}

func TestAdminRoutesRequireAdminSession(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	expectError(t, server.do(http.MethodGet, "/admin/messages", ""), http.StatusUnauthorized, errorKindUnauthorized)

	voter := server.sessionCookie(auth.SessionClaims{UserID: "voter-1", UserRoles: []string{"voter"}})
	expectError(t, server.do(http.MethodGet, "/admin/messages", "", withCookie(voter)), http.StatusForbidden, errorKindForbidden)

	expired := &http.Cookie{Name: testCookieName, Value: "not-a-token"}
	expectError(t, server.do(http.MethodGet, "/admin/messages", "", withCookie(expired)), http.StatusUnauthorized, errorKindUnauthorized)

	expectStatus(t, server.do(http.MethodGet, "/admin/messages", "", withCookie(server.adminCookie())), http.StatusOK)
}

func TestMessageLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	admin := withCookie(server.adminCookie())

	created := server.do(http.MethodPost, "/admin/messages", `{"slogan":"Clean water","subline":"for every town"}`, admin)
	expectStatus(t, created, http.StatusCreated)
	var message messagePayload
	decodeBody(t, created, &message)
	if message.ID == "" || message.Status != "active" || message.Subline == nil || message.Rank == "" {
		t.Fatalf("unexpected created message: %+v", message)
	}

	cleared := server.do(http.MethodPatch, "/admin/messages/"+message.ID, `{"subline":null,"status":"inactive"}`, admin)
	expectStatus(t, cleared, http.StatusOK)
	decodeBody(t, cleared, &message)
	if message.Subline != nil || message.Status != "inactive" {
		t.Fatalf("expected subline cleared and inactive, got %+v", message)
	}

	untouched := server.do(http.MethodPatch, "/admin/messages/"+message.ID, `{"slogan":"Clean water now"}`, admin)
	decodeBody(t, untouched, &message)
	if message.Slogan != "Clean water now" || message.Status != "inactive" {
		t.Fatalf("unexpected patched message: %+v", message)
	}

	expectError(t, server.do(http.MethodPatch, "/admin/messages/"+message.ID, `{"status":"archived"}`, admin), http.StatusBadRequest, "INVALID_INPUT")
	expectError(t, server.do(http.MethodPost, "/admin/messages", `{"slogan":"  "}`, admin), http.StatusBadRequest, "INVALID_INPUT")

	expectStatus(t, server.do(http.MethodDelete, "/admin/messages/"+message.ID, "", admin), http.StatusNoContent)
	expectError(t, server.do(http.MethodGet, "/admin/messages/"+message.ID, "", admin), http.StatusNotFound, "NOT_FOUND")
	expectError(t, server.do(http.MethodGet, "/admin/messages?status=paused", "", admin), http.StatusBadRequest, "INVALID_INPUT")
}

func TestBulkStatusReportsPartialFailure(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()
	admin := withCookie(server.adminCookie())

	body := `{"changes":[{"id":"msg_a","status":"inactive"},{"id":"msg_missing","status":"inactive"},{"id":"msg_zz","status":"active"}]}`
	recorder := server.do(http.MethodPost, "/admin/messages/status", body, admin)
	var payload bulkPartialResponse
	expectStatus(t, recorder, http.StatusMultiStatus)
	decodeBody(t, recorder, &payload)
	if payload.Error != "PARTIAL_FAILURE" {
		t.Fatalf("expected PARTIAL_FAILURE, got %+v", payload.errorPayload)
	}
	expectIDs(t, payload.Succeeded, "msg_a", "msg_zz")
	if len(payload.Failed) != 1 || payload.Failed[0].ID != "msg_missing" || payload.Failed[0].Code != "NOT_FOUND" {
		t.Fatalf("unexpected failures: %+v", payload.Failed)
	}

	allGood := server.do(http.MethodPost, "/admin/messages/status", `{"changes":[{"id":"msg_m","status":"inactive"}]}`, admin)
	expectStatus(t, allGood, http.StatusOK)
}

func TestSameMessagePairIsRejectedWithoutWrites(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()
	admin := withCookie(server.adminCookie())

	recorder := server.do(http.MethodPost, "/admin/ab-pairs", `{"messageAId":"msg_a","messageBId":"msg_a"}`, admin)
	payload := expectError(t, recorder, http.StatusBadRequest, "INVALID_INPUT")
	if !strings.Contains(payload.Message, "must be different") {
		t.Fatalf("unexpected message: %q", payload.Message)
	}

	var pairs int64
	if err := server.db.Model(&catalog.ABPair{}).Count(&pairs).Error; err != nil {
		t.Fatalf("failed to count pairs: %v", err)
	}
	if pairs != 0 {
		t.Fatalf("expected zero pairs, found %d", pairs)
	}

	expectError(t, server.do(http.MethodPost, "/admin/ab-pairs", `{"messageAId":"msg_a","messageBId":"msg_gone"}`, admin), http.StatusNotFound, "NOT_FOUND")

	created := server.do(http.MethodPost, "/admin/ab-pairs", `{"messageAId":"msg_a","messageBId":"msg_m"}`, admin)
	expectStatus(t, created, http.StatusCreated)
	var pair pairPayload
	decodeBody(t, created, &pair)

	paused := server.do(http.MethodPatch, "/admin/ab-pairs/"+pair.ID, `{"status":"inactive"}`, admin)
	expectStatus(t, paused, http.StatusOK)
	public := server.do(http.MethodGet, "/ab-pairs", "")
	var listing struct {
		Pairs []pairPayload `json:"pairs"`
	}
	decodeBody(t, public, &listing)
	if len(listing.Pairs) != 0 {
		t.Fatalf("inactive pairs must not be listed publicly: %+v", listing.Pairs)
	}
	expectStatus(t, server.do(http.MethodDelete, "/admin/ab-pairs/"+pair.ID, "", admin), http.StatusNoContent)
	expectError(t, server.do(http.MethodGet, "/admin/ab-pairs/"+pair.ID, "", admin), http.StatusNotFound, "NOT_FOUND")
}

func TestReorderEndToEnd(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()
	admin := withCookie(server.adminCookie())

	recorder := server.do(http.MethodPost, "/admin/messages/msg_z/reorder", `{"beforeId":"msg_a","afterId":"msg_m"}`, admin)
	expectStatus(t, recorder, http.StatusOK)
	var result reorderResponse
	decodeBody(t, recorder, &result)
	if !result.Moved || !(result.Rank > "a" && result.Rank < "m") {
		t.Fatalf("unexpected reorder result: %+v", result)
	}

	listing := server.do(http.MethodGet, "/admin/messages?status=active", "", admin)
	var messages messageListResponse
	decodeBody(t, listing, &messages)
	expectIDs(t, listedIDs(messages.Messages), "msg_a", "msg_z", "msg_m")

	expectError(t, server.do(http.MethodPost, "/admin/messages/msg_z/reorder", `{"beforeId":"msg_gone"}`, admin), http.StatusUnprocessableEntity, "INVALID_REFERENCE")
	expectError(t, server.do(http.MethodPost, "/admin/messages/msg_gone/reorder", `{"beforeId":"msg_a"}`, admin), http.StatusNotFound, "NOT_FOUND")
	expectError(t, server.do(http.MethodPost, "/admin/messages/msg_z/reorder", `{"beforeId":"msg_z"}`, admin), http.StatusBadRequest, "INVALID_INPUT")

	bottom := server.do(http.MethodPost, "/admin/messages/msg_a/reorder", "", admin)
	expectStatus(t, bottom, http.StatusOK)
	decodeBody(t, bottom, &result)
	if !(result.Rank > "zz") {
		t.Fatalf("expected msg_a at the bottom, got rank %q", result.Rank)
	}
}

func TestAnalyticsRejectsBadParameters(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	admin := withCookie(server.adminCookie())

	for _, path := range []string{
		"/admin/analytics/votes?groupBy=week",
		"/admin/analytics/votes?groupBy=message&limit=ten",
		"/admin/analytics/votes?groupBy=message&limit=-1",
		"/admin/analytics/votes?groupBy=message&rollup=maybe",
		"/admin/analytics/votes?groupBy=day&from=2023-11-15&to=2023-11-14",
	} {
		expectError(t, server.do(http.MethodGet, path, "", admin), http.StatusBadRequest, "INVALID_INPUT")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	server.seedOrderedMessages()

	expectStatus(t, server.do(http.MethodGet, "/healthz", ""), http.StatusOK)

	body := `{"votes":[{"messageId":"msg_a","choice":4,"votedAtClient":"` + testVotedAtMillis + `"}]}`
	expectStatus(t, server.do(http.MethodPost, "/votes", body), http.StatusOK)

	recorder := server.do(http.MethodGet, "/metrics", "")
	expectStatus(t, recorder, http.StatusOK)
	if !strings.Contains(recorder.Body.String(), "civicpulse_votes_accepted_total 1") {
		t.Fatalf("expected accepted counter in metrics output:\n%s", recorder.Body.String())
	}
}

func TestCORSMiddlewareAllowsVoteHeaders(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	recorder := server.do(http.MethodOptions, "/votes", "",
		withHeader("Origin", "https://app.example.com"),
		withHeader("Access-Control-Request-Method", http.MethodPost),
		withHeader("Access-Control-Request-Headers", "Idempotency-Key"))

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "idempotency-key") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Idempotency-Key, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected the origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

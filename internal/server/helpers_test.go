package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/civicpulse/backend/internal/analytics"
	"github.com/civicpulse/backend/internal/auth"
	"github.com/civicpulse/backend/internal/catalog"
	"github.com/civicpulse/backend/internal/database"
	"github.com/civicpulse/backend/internal/ids"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/rank"
	"github.com/civicpulse/backend/internal/votes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	// 2023-11-14T12:00:00Z in epoch milliseconds
	testVotedAtMillis = "1699963200000"
)

var testNow = time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC)

type testServerOptions struct {
	rateLimit RateLimitConfig
	heartbeat time.Duration
}

type testServer struct {
	t          *testing.T
	db         *gorm.DB
	handler    http.Handler
	catalog    *catalog.Service
	issuer     *auth.SessionIssuer
	dispatcher *TallyDispatcher
	metrics    *metrics.Engine
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(database.Options{Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", name)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := func() time.Time { return testNow }
	counter := metrics.New()
	registry := prometheus.NewRegistry()
	counter.Register(registry)
	dispatcher := NewTallyDispatcher()

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids.NewSequence("id"),
		Ranks:      rank.NewEngine(rank.DefaultMaxLength),
		Metrics:    counter,
	})
	if err != nil {
		t.Fatalf("failed to build catalog service: %v", err)
	}
	engine, err := votes.NewEngine(votes.EngineConfig{
		Database:  db,
		Subjects:  catalogService,
		Clock:     clock,
		Picker:    func(int) int { return 0 },
		Publisher: dispatcher,
		Metrics:   counter,
	})
	if err != nil {
		t.Fatalf("failed to build vote engine: %v", err)
	}
	reader, err := analytics.NewReader(analytics.ReaderConfig{Database: db, Metrics: counter})
	if err != nil {
		t.Fatalf("failed to build analytics reader: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build session issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Catalog:           catalogService,
		Votes:             engine,
		Analytics:         reader,
		Sessions:          validator,
		Realtime:          dispatcher,
		MetricsHandler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		RateLimit:         options.rateLimit,
		HeartbeatInterval: options.heartbeat,
		Clock:             clock,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testServer{
		t:          t,
		db:         db,
		handler:    handler,
		catalog:    catalogService,
		issuer:     issuer,
		dispatcher: dispatcher,
		metrics:    counter,
	}
}

// seedOrderedMessages stores msg_a < msg_m < msg_z < msg_zz, the last one inactive.
func (s *testServer) seedOrderedMessages() {
	s.t.Helper()
	seeds := []struct {
		id     string
		rank   string
		status catalog.Status
	}{
		{"msg_a", "a", catalog.StatusActive},
		{"msg_m", "m", catalog.StatusActive},
		{"msg_z", "z", catalog.StatusActive},
		{"msg_zz", "zz", catalog.StatusInactive},
	}
	for _, seed := range seeds {
		message := catalog.Message{
			ID:               seed.id,
			Slogan:           "slogan " + seed.id,
			Status:           seed.status,
			Rank:             seed.rank,
			CreatedAtSeconds: testNow.Unix(),
			UpdatedAtSeconds: testNow.Unix(),
		}
		if err := s.db.Create(&message).Error; err != nil {
			s.t.Fatalf("failed to seed %s: %v", seed.id, err)
		}
	}
}

func (s *testServer) sessionCookie(claims auth.SessionClaims) *http.Cookie {
	s.t.Helper()
	token, _, err := s.issuer.Issue(claims)
	if err != nil {
		s.t.Fatalf("failed to issue session: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: token}
}

func (s *testServer) adminCookie() *http.Cookie {
	return s.sessionCookie(auth.SessionClaims{UserID: "admin-1", UserRoles: []string{"admin"}})
}

type requestOption func(*http.Request)

func withCookie(cookie *http.Cookie) requestOption {
	return func(request *http.Request) {
		request.AddCookie(cookie)
	}
}

func withHeader(name, value string) requestOption {
	return func(request *http.Request) {
		request.Header.Set(name, value)
	}
}

func (s *testServer) do(method, path, body string, options ...requestOption) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, option := range options {
		option(request)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, kind string) errorPayload {
	t.Helper()
	expectStatus(t, recorder, status)
	var payload errorPayload
	decodeBody(t, recorder, &payload)
	if payload.Error != kind {
		t.Fatalf("expected error kind %s, got %+v", kind, payload)
	}
	return payload
}

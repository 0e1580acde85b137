package catalog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/ids"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/rank"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testEpochSeconds = int64(1700000000)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true, Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Message{}, &ABPair{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type testServiceOptions struct {
	maxRankLength int
	ids           []string
}

func newTestService(t *testing.T, options testServiceOptions) (*Service, *gorm.DB, *metrics.Engine) {
	t.Helper()
	db := openTestDatabase(t)
	engine := metrics.New()
	now := time.Unix(testEpochSeconds, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return now },
		IDProvider: ids.NewSequence("id", options.ids...),
		Ranks:      rank.NewEngine(options.maxRankLength),
		Metrics:    engine,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db, engine
}

func seedMessage(t *testing.T, db *gorm.DB, id, sortRank string, status Status) Message {
	t.Helper()
	subline := "subline " + id
	message := Message{
		ID:               id,
		Slogan:           "slogan " + id,
		Subline:          &subline,
		Status:           status,
		Rank:             sortRank,
		CreatedAtSeconds: testEpochSeconds - 3600,
		UpdatedAtSeconds: testEpochSeconds - 3600,
	}
	if err := db.Create(&message).Error; err != nil {
		t.Fatalf("failed to seed message %s: %v", id, err)
	}
	return message
}

func seedPair(t *testing.T, db *gorm.DB, id, messageA, messageB, sortRank string) ABPair {
	t.Helper()
	pair := ABPair{
		ID:               id,
		MessageAID:       messageA,
		MessageBID:       messageB,
		Status:           StatusActive,
		Rank:             sortRank,
		CreatedAtSeconds: testEpochSeconds - 3600,
		UpdatedAtSeconds: testEpochSeconds - 3600,
	}
	if err := db.Create(&pair).Error; err != nil {
		t.Fatalf("failed to seed pair %s: %v", id, err)
	}
	return pair
}

// seedOrderedMessages stores msg_a < msg_m < msg_z < msg_zz with msg_zz inactive.
func seedOrderedMessages(t *testing.T, db *gorm.DB) {
	t.Helper()
	seedMessage(t, db, "msg_a", "a", StatusActive)
	seedMessage(t, db, "msg_m", "m", StatusActive)
	seedMessage(t, db, "msg_z", "z", StatusActive)
	seedMessage(t, db, "msg_zz", "zz", StatusInactive)
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func messageIDs(messages []Message) []string {
	result := make([]string, 0, len(messages))
	for _, message := range messages {
		result = append(result, message.ID)
	}
	return result
}

func expectIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, got)
	}
}

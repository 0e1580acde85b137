package analytics

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dayOne = time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC)

type allSubjects struct{}

func (allSubjects) VotableMessageIDs(_ context.Context, messageIDs []string) (map[string]struct{}, error) {
	votable := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		votable[id] = struct{}{}
	}
	return votable, nil
}

type fixture struct {
	t       *testing.T
	db      *gorm.DB
	now     time.Time
	engine  *votes.Engine
	reader  *Reader
	counter *metrics.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true, Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&votes.Shard{}, &votes.ShardVersion{}, &votes.IdempotencyRecord{}, &Rollup{}, &RollupState{}))

	f := &fixture{t: t, db: db, now: dayOne, counter: metrics.New()}
	shard := 0
	f.engine, err = votes.NewEngine(votes.EngineConfig{
		Database: db,
		Subjects: allSubjects{},
		Clock:    func() time.Time { return f.now },
		Picker: func(count int) int {
			shard = (shard + 1) % count
			return shard
		},
	})
	require.NoError(t, err)
	f.reader, err = NewReader(ReaderConfig{Database: db, Metrics: f.counter})
	require.NoError(t, err)
	return f
}

func (f *fixture) cast(userContext votes.UserContext, messageID string, choice votes.Choice) {
	f.t.Helper()
	result, err := f.engine.ProcessBatch(context.Background(), votes.Batch{
		Votes:   []votes.Vote{{MessageID: messageID, Choice: choice, VotedAtClient: "1699963200000"}},
		Context: userContext,
	})
	require.NoError(f.t, err)
	require.Equal(f.t, 1, result.Accepted)
}

// seedStandard casts five votes over two days:
// day one: msg_a love (ny, dem), msg_a like (ca), msg_m hate (ny, rep)
// day two: msg_a dislike (no context), msg_z love (ca, dem, 18-24)
func (f *fixture) seedStandard() {
	f.cast(votes.UserContext{Geo: "ny", Party: "dem"}, "msg_a", votes.ChoiceLove)
	f.cast(votes.UserContext{Geo: "ca"}, "msg_a", votes.ChoiceLike)
	f.cast(votes.UserContext{Geo: "ny", Party: "rep"}, "msg_m", votes.ChoiceHate)
	f.now = dayOne.Add(24 * time.Hour)
	f.cast(votes.UserContext{}, "msg_a", votes.ChoiceDislike)
	f.cast(votes.UserContext{Geo: "ca", Party: "dem", Demo: "18-24"}, "msg_z", votes.ChoiceLove)
}

func keys(report Report) []string {
	result := make([]string, 0, len(report.Items))
	for _, item := range report.Items {
		result = append(result, item.Key)
	}
	return result
}

func TestAggregateByMessage(t *testing.T) {
	f := newFixture(t)
	f.seedStandard()

	report, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByMessage})
	require.NoError(t, err)
	require.Equal(t, GroupByMessage, report.GroupBy)
	require.Equal(t, []string{"msg_a", "msg_m", "msg_z"}, keys(report))
	require.Equal(t, Counts{Love: 1, Like: 1, Dislike: 1, N: 3}, report.Items[0].Counts)
	require.InDelta(t, 2.0/3.0, report.Items[0].Rates.Favorability, 1e-9)
	require.InDelta(t, 1.0/3.0, report.Items[0].Rates.Engagement, 1e-9)
	require.Equal(t, Counts{Love: 2, Like: 1, Dislike: 1, Hate: 1, N: 5}, report.Totals.Counts)
	require.InDelta(t, 0.6, report.Totals.Rates.Favorability, 1e-9)
	require.Equal(t, metrics.SourceLive, report.Source)
	require.Equal(t, uint64(1), f.counter.AnalyticsServed.Load())

	single, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByMessage, MessageID: "msg_m"})
	require.NoError(t, err)
	require.Len(t, single.Items, 1)
	require.Equal(t, Rates{HateRate: 1, Engagement: 1}, single.Items[0].Rates)
}

func TestAggregateByDayIsAscendingAndInclusive(t *testing.T) {
	f := newFixture(t)
	f.seedStandard()

	report, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByDay})
	require.NoError(t, err)
	require.Equal(t, []string{"2023-11-14", "2023-11-15"}, keys(report))
	require.Equal(t, int64(3), report.Items[0].Counts.N)
	require.Equal(t, int64(2), report.Items[1].Counts.N)

	ranged, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByDay, From: "2023-11-15", To: "2023-11-15"})
	require.NoError(t, err)
	require.Equal(t, []string{"2023-11-15"}, keys(ranged))

	byMessage, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByMessage, From: "2023-11-14", To: "2023-11-14"})
	require.NoError(t, err)
	require.Equal(t, []string{"msg_a", "msg_m"}, keys(byMessage))
	require.Equal(t, int64(2), byMessage.Items[0].Counts.N)
}

func TestAggregateByDimension(t *testing.T) {
	f := newFixture(t)
	f.seedStandard()

	byGeo, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByGeo})
	require.NoError(t, err)
	require.Equal(t, []string{"ca", "ny"}, keys(byGeo))
	require.Equal(t, int64(4), byGeo.Totals.Counts.N)

	geoForDemocrats, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByGeo, Party: "DEM"})
	require.NoError(t, err)
	require.Equal(t, []string{"ca", "ny"}, keys(geoForDemocrats))
	require.Equal(t, int64(1), geoForDemocrats.Items[0].Counts.N)
	require.Equal(t, int64(1), geoForDemocrats.Items[1].Counts.N)

	partyInNewYork, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByParty, Geo: "ny"})
	require.NoError(t, err)
	require.Equal(t, []string{"dem", "rep"}, keys(partyInNewYork))

	byDemo, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByDemo, MessageID: "msg_z"})
	require.NoError(t, err)
	require.Equal(t, []string{"18-24"}, keys(byDemo))

	messagesInCalifornia, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByMessage, Geo: "ca"})
	require.NoError(t, err)
	require.Equal(t, []string{"msg_a", "msg_z"}, keys(messagesInCalifornia))
}

func TestAggregateLimitKeepsTotals(t *testing.T) {
	f := newFixture(t)
	f.seedStandard()

	report, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByMessage, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"msg_a"}, keys(report))
	require.Equal(t, int64(5), report.Totals.Counts.N)
}

func TestAggregateEmptyResult(t *testing.T) {
	f := newFixture(t)

	report, err := f.reader.Aggregate(context.Background(), Query{GroupBy: GroupByParty, Geo: "tx"})
	require.NoError(t, err)
	require.NotNil(t, report.Items)
	require.Empty(t, report.Items)
	require.Equal(t, Totals{}, report.Totals)
}

func TestAggregateRejectsInvalidQueries(t *testing.T) {
	f := newFixture(t)

	cases := map[string]Query{
		"unknown group":  {GroupBy: "week"},
		"missing group":  {},
		"reversed range": {GroupBy: GroupByDay, From: "2023-11-15", To: "2023-11-14"},
		"bad date":       {GroupBy: GroupByDay, From: "11/14/2023"},
		"bad bucket":     {GroupBy: GroupByMessage, Geo: "new york!"},
		"negative limit": {GroupBy: GroupByMessage, Limit: -1},
	}
	for name, query := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.reader.Aggregate(context.Background(), query)
			require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		})
	}
}

func TestFamilyForCountsInvolvedDimensions(t *testing.T) {
	require.Equal(t, votes.FamilyTotal, familyFor(GroupByMessage, "", "", ""))
	require.Equal(t, votes.FamilyTotal, familyFor(GroupByDay, "", "", ""))
	require.Equal(t, votes.FamilyGeo, familyFor(GroupByGeo, "", "", ""))
	require.Equal(t, votes.FamilyGeo, familyFor(GroupByMessage, "ny", "", ""))
	require.Equal(t, votes.FamilyParty, familyFor(GroupByParty, "", "dem", ""))
	require.Equal(t, votes.FamilyCombined, familyFor(GroupByDemo, "ny", "", ""))
	require.Equal(t, votes.FamilyCombined, familyFor(GroupByDay, "", "dem", "18-24"))
}

func TestComputeRatesBounds(t *testing.T) {
	require.Equal(t, Rates{}, ComputeRates(Counts{}))
	rates := ComputeRates(Counts{Love: 3, Like: 1, Dislike: 2, Hate: 4, N: 10})
	require.InDelta(t, 0.4, rates.Favorability, 1e-9)
	require.InDelta(t, 0.7, rates.Engagement, 1e-9)
	require.InDelta(t, 1.0, rates.LoveRate+rates.LikeRate+rates.DislikeRate+rates.HateRate, 1e-9)
	for _, counts := range []Counts{{Love: 1, N: 1}, {Hate: 5, N: 5}, {Like: 2, Dislike: 2, N: 4}} {
		favorability := ComputeRates(counts).Favorability
		require.GreaterOrEqual(t, favorability, 0.0)
		require.LessOrEqual(t, favorability, 1.0)
	}
}

// Package analytics answers grouped vote tallies from the shard counters or their rollup.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNewReader = "analytics.reader.new"
	opAggregate = "analytics.aggregate"

	reasonMissingDatabase = "missing_database"
	reasonInvalidGroupBy  = "invalid_group_by"
	reasonInvalidDate     = "invalid_date"
	reasonInvalidRange    = "invalid_range"
	reasonInvalidBucket   = "invalid_bucket"
	reasonInvalidLimit    = "invalid_limit"
	reasonInvalidMessage  = "invalid_message_id"
	reasonQueryFailed     = "query_failed"

	// DefaultLimit applies when a query does not set one.
	DefaultLimit = 100
	// MaxLimit caps the number of items a report may return.
	MaxLimit = 1000

	maxMessageIDLength = 190

	sumColumns = "SUM(love_count) AS love_total, SUM(like_count) AS like_total, " +
		"SUM(dislike_count) AS dislike_total, SUM(hate_count) AS hate_total"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ReaderConfig lists the dependencies of the Reader.
type ReaderConfig struct {
	Database     *gorm.DB
	DefaultLimit int
	MaxLimit     int
	Metrics      *metrics.Engine
	Logger       *zap.Logger
}

// Reader sums the shard family that matches a query.
type Reader struct {
	db           *gorm.DB
	defaultLimit int
	maxLimit     int
	metrics      *metrics.Engine
	logger       *zap.Logger
}

// NewReader validates the configuration and applies defaults.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opNewReader, reasonMissingDatabase, errMissingDatabase)
	}
	reader := &Reader{
		db:           cfg.Database,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	if reader.maxLimit <= 0 {
		reader.maxLimit = MaxLimit
	}
	if reader.defaultLimit <= 0 || reader.defaultLimit > reader.maxLimit {
		reader.defaultLimit = min(DefaultLimit, reader.maxLimit)
	}
	if reader.logger == nil {
		reader.logger = noOpLogger
	}
	return reader, nil
}

// plan is a validated query resolved to one shard family and day range.
type plan struct {
	groupBy   GroupBy
	family    votes.Family
	groupCol  string
	messageID string
	geo       string
	party     string
	demo      string
	daily     bool
	from      string
	to        string
	limit     int
	rollup    bool
}

// Aggregate answers query. Results are identical whether they come from the
// rollup or from the live shards.
func (r *Reader) Aggregate(ctx context.Context, query Query) (Report, error) {
	if r == nil || r.db == nil {
		return Report{}, apperr.Internal(opAggregate, reasonMissingDatabase, errMissingDatabase)
	}
	resolved, err := r.resolve(query)
	if err != nil {
		return Report{}, err
	}

	var rows []groupRow
	source := metrics.SourceLive
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		table := votes.Shard{}.TableName()
		if resolved.rollup {
			current, checkErr := rollupIsCurrent(tx)
			if checkErr != nil {
				return checkErr
			}
			if current {
				table = Rollup{}.TableName()
				source = metrics.SourceRollup
			}
		}
		return resolved.scope(tx.Table(table)).Scan(&rows).Error
	})
	if err != nil {
		r.logError(reasonQueryFailed, err)
		return Report{}, apperr.Internal(opAggregate, reasonQueryFailed, err)
	}
	r.metrics.IncAnalytics(source)
	return buildReport(resolved, rows, source), nil
}

func (r *Reader) resolve(query Query) (plan, error) {
	groupBy, ok := ParseGroupBy(strings.TrimSpace(string(query.GroupBy)))
	if !ok {
		return plan{}, invalid(reasonInvalidGroupBy, "groupBy must be one of message, day, geo, party or demo")
	}
	resolved := plan{groupBy: groupBy, rollup: query.Rollup}

	resolved.messageID = strings.TrimSpace(query.MessageID)
	if len(resolved.messageID) > maxMessageIDLength {
		return plan{}, invalid(reasonInvalidMessage, "messageId is too long")
	}
	var err error
	if resolved.geo, err = filterBucket("geo", query.Geo); err != nil {
		return plan{}, err
	}
	if resolved.party, err = filterBucket("party", query.Party); err != nil {
		return plan{}, err
	}
	if resolved.demo, err = filterBucket("demo", query.Demo); err != nil {
		return plan{}, err
	}
	if resolved.from, err = parseDay("from", query.From); err != nil {
		return plan{}, err
	}
	if resolved.to, err = parseDay("to", query.To); err != nil {
		return plan{}, err
	}
	if resolved.from != "" && resolved.to != "" && resolved.from > resolved.to {
		return plan{}, invalid(reasonInvalidRange, "from must not be after to")
	}

	switch {
	case query.Limit < 0:
		return plan{}, invalid(reasonInvalidLimit, "limit must not be negative")
	case query.Limit == 0:
		resolved.limit = r.defaultLimit
	case query.Limit > r.maxLimit:
		resolved.limit = r.maxLimit
	default:
		resolved.limit = query.Limit
	}

	resolved.daily = groupBy == GroupByDay || resolved.from != "" || resolved.to != ""
	resolved.family = familyFor(groupBy, resolved.geo, resolved.party, resolved.demo)
	resolved.groupCol = groupColumn(groupBy)
	return resolved, nil
}

// familyFor picks the shard family holding exactly the dimensions the query touches.
func familyFor(groupBy GroupBy, geo, party, demo string) votes.Family {
	involved := map[votes.Family]struct{}{}
	if geo != "" || groupBy == GroupByGeo {
		involved[votes.FamilyGeo] = struct{}{}
	}
	if party != "" || groupBy == GroupByParty {
		involved[votes.FamilyParty] = struct{}{}
	}
	if demo != "" || groupBy == GroupByDemo {
		involved[votes.FamilyDemo] = struct{}{}
	}
	switch len(involved) {
	case 0:
		return votes.FamilyTotal
	case 1:
		for family := range involved {
			return family
		}
	}
	return votes.FamilyCombined
}

func groupColumn(groupBy GroupBy) string {
	switch groupBy {
	case GroupByDay:
		return "day"
	case GroupByGeo:
		return "geo_bucket"
	case GroupByParty:
		return "party_bucket"
	case GroupByDemo:
		return "demo_bucket"
	default:
		return "message_id"
	}
}

// scope applies the plan's filters and grouping to a shard or rollup table.
func (p plan) scope(query *gorm.DB) *gorm.DB {
	query = query.
		Select(fmt.Sprintf("%s AS group_key, %s", p.groupCol, sumColumns)).
		Where("family = ?", p.family)
	if p.messageID != "" {
		query = query.Where("message_id = ?", p.messageID)
	}
	if p.geo != "" {
		query = query.Where("geo_bucket = ?", p.geo)
	}
	if p.party != "" {
		query = query.Where("party_bucket = ?", p.party)
	}
	if p.demo != "" {
		query = query.Where("demo_bucket = ?", p.demo)
	}
	if p.daily {
		query = query.Where("day <> ?", votes.BucketAll)
		if p.from != "" {
			query = query.Where("day >= ?", p.from)
		}
		if p.to != "" {
			query = query.Where("day <= ?", p.to)
		}
	} else {
		query = query.Where("day = ?", votes.BucketAll)
	}
	if p.groupCol != "message_id" && p.groupCol != "day" {
		// votes without a value for the grouped dimension have no group
		query = query.Where(fmt.Sprintf("%s <> ?", p.groupCol), votes.BucketAll)
	}
	return query.Group(p.groupCol)
}

func buildReport(resolved plan, rows []groupRow, source string) Report {
	items := make([]Item, 0, len(rows))
	var totals Counts
	for _, row := range rows {
		counts := row.counts()
		if counts.N == 0 {
			continue
		}
		totals.add(counts)
		items = append(items, Item{Key: row.GroupKey, Counts: counts, Rates: ComputeRates(counts)})
	}
	if resolved.groupBy == GroupByDay {
		sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	} else {
		sort.Slice(items, func(i, j int) bool {
			if items[i].Counts.N != items[j].Counts.N {
				return items[i].Counts.N > items[j].Counts.N
			}
			return items[i].Key < items[j].Key
		})
	}
	if len(items) > resolved.limit {
		items = items[:resolved.limit]
	}
	return Report{
		GroupBy: resolved.groupBy,
		Items:   items,
		Totals:  Totals{Counts: totals, Rates: ComputeRates(totals)},
		Source:  source,
	}
}

func filterBucket(field, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	bucket := votes.NormalizeBucket(raw)
	if bucket == "" {
		return "", invalid(reasonInvalidBucket, field+" is not a valid bucket name")
	}
	return bucket, nil
}

func parseDay(field, raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", nil
	}
	parsed, err := time.Parse(votes.DayLayout, value)
	if err != nil {
		return "", invalid(reasonInvalidDate, field+" must be a date formatted as YYYY-MM-DD")
	}
	return parsed.Format(votes.DayLayout), nil
}

func invalid(reason, message string) error {
	return apperr.New(apperr.KindInvalidInput, opAggregate, reason, message, nil)
}

func (r *Reader) logError(reason string, err error) {
	r.logger.Error("analytics reader error",
		zap.String("operation", opAggregate),
		zap.String("reason", reason),
		zap.Error(err))
}

package votes

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errInvalidTimestamp = errors.New("invalid client timestamp")

const shardVersionID = 1

type indexedVote struct {
	index int
	vote  Vote
}

type shardDelta struct {
	key        bucketKey
	shardIndex int
	tally      Tally
}

func (d shardDelta) compositeKey() string {
	return d.key.compositeKey(d.shardIndex)
}

// writePlan holds the shard increments of every accepted vote of a batch.
type writePlan struct {
	votes  []indexedVote
	deltas [][]shardDelta
}

func newWritePlan(votes []indexedVote, userContext UserContext, now time.Time, shardCount int, picker ShardPicker) writePlan {
	day := now.UTC().Format(DayLayout)
	plan := writePlan{votes: votes, deltas: make([][]shardDelta, 0, len(votes))}
	for _, candidate := range votes {
		shardIndex := picker(shardCount)
		if shardIndex < 0 || shardIndex >= shardCount {
			shardIndex = 0
		}
		keys := fanOut(candidate.vote.MessageID, userContext, day)
		deltas := make([]shardDelta, 0, len(keys))
		for _, key := range keys {
			delta := shardDelta{key: key, shardIndex: shardIndex}
			delta.tally.Add(candidate.vote.Choice)
			deltas = append(deltas, delta)
		}
		plan.deltas = append(plan.deltas, deltas)
	}
	return plan
}

// fanOut lists every bucket a vote is counted in: the total family, one family per
// present dimension, and the combined family when any dimension is present, each
// at the all-time day and at the current UTC day.
func fanOut(messageID string, userContext UserContext, day string) []bucketKey {
	keys := make([]bucketKey, 0, 10)
	for _, dayBucket := range []string{BucketAll, day} {
		keys = append(keys, bucketKey{family: FamilyTotal, messageID: messageID, geo: BucketAll, party: BucketAll, demo: BucketAll, day: dayBucket})
		if userContext.Geo != "" {
			keys = append(keys, bucketKey{family: FamilyGeo, messageID: messageID, geo: userContext.Geo, party: BucketAll, demo: BucketAll, day: dayBucket})
		}
		if userContext.Party != "" {
			keys = append(keys, bucketKey{family: FamilyParty, messageID: messageID, geo: BucketAll, party: userContext.Party, demo: BucketAll, day: dayBucket})
		}
		if userContext.Demo != "" {
			keys = append(keys, bucketKey{family: FamilyDemo, messageID: messageID, geo: BucketAll, party: BucketAll, demo: userContext.Demo, day: dayBucket})
		}
		if !userContext.IsEmpty() {
			keys = append(keys, bucketKey{
				family:    FamilyCombined,
				messageID: messageID,
				geo:       orAll(userContext.Geo),
				party:     orAll(userContext.Party),
				demo:      orAll(userContext.Demo),
				day:       dayBucket,
			})
		}
	}
	return keys
}

func orAll(value string) string {
	if value == "" {
		return BucketAll
	}
	return value
}

// merged folds every vote's increments by shard row, ordered by composite key so
// concurrent batches touch rows in the same order.
func (p writePlan) merged() []shardDelta {
	byKey := map[string]*shardDelta{}
	for _, deltas := range p.deltas {
		for _, delta := range deltas {
			compositeKey := delta.compositeKey()
			existing, ok := byKey[compositeKey]
			if !ok {
				copied := delta
				byKey[compositeKey] = &copied
				continue
			}
			existing.tally.Merge(delta.tally)
		}
	}
	merged := make([]shardDelta, 0, len(byKey))
	for _, delta := range byKey {
		merged = append(merged, *delta)
	}
	sortDeltas(merged)
	return merged
}

func (p writePlan) forVote(position int) []shardDelta {
	deltas := append([]shardDelta(nil), p.deltas[position]...)
	sortDeltas(deltas)
	return deltas
}

// acceptedMessageIDs lists the planned messages whose increments were committed.
func (p writePlan) acceptedMessageIDs(result Result) []string {
	failed := map[int]struct{}{}
	for _, voteError := range result.Errors {
		if voteError.Code == string(apperr.KindInternal) {
			failed[voteError.Index] = struct{}{}
		}
	}
	ids := make([]string, 0, len(p.votes))
	for _, candidate := range p.votes {
		if _, ok := failed[candidate.index]; ok {
			continue
		}
		ids = append(ids, candidate.vote.MessageID)
	}
	return ids
}

func sortDeltas(deltas []shardDelta) {
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].compositeKey() < deltas[j].compositeKey()
	})
}

// upsertShards adds each delta to its shard row, creating the row on first use.
// The increment happens inside the INSERT ... ON CONFLICT statement, so concurrent
// writers to the same row never lose an update.
func upsertShards(tx *gorm.DB, deltas []shardDelta, nowNanos int64) error {
	for _, delta := range deltas {
		row := Shard{
			CompositeKey:   delta.compositeKey(),
			Family:         delta.key.family,
			MessageID:      delta.key.messageID,
			GeoBucket:      delta.key.geo,
			PartyBucket:    delta.key.party,
			DemoBucket:     delta.key.demo,
			Day:            delta.key.day,
			ShardIndex:     delta.shardIndex,
			Love:           delta.tally.Love,
			Like:           delta.tally.Like,
			Dislike:        delta.tally.Dislike,
			Hate:           delta.tally.Hate,
			UpdatedAtNanos: nowNanos,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "composite_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"love_count":    gorm.Expr("love_count + ?", delta.tally.Love),
				"like_count":    gorm.Expr("like_count + ?", delta.tally.Like),
				"dislike_count": gorm.Expr("dislike_count + ?", delta.tally.Dislike),
				"hate_count":    gorm.Expr("hate_count + ?", delta.tally.Hate),
				"updated_at":    nowNanos,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	if len(deltas) == 0 {
		return nil
	}
	return bumpShardVersion(tx)
}

func bumpShardVersion(tx *gorm.DB) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"version": gorm.Expr("version + 1")}),
	}).Create(&ShardVersion{ID: shardVersionID, Version: 1}).Error
}

// CurrentShardVersion returns the shard write sequence; 0 means shards were never written.
func CurrentShardVersion(tx *gorm.DB) (int64, error) {
	var row ShardVersion
	err := tx.Where("id = ?", shardVersionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Version, err
}

func newRecord(scopedKey, scope string, result Result, now time.Time) (*IdempotencyRecord, error) {
	if scopedKey == "" {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &IdempotencyRecord{
		Key:              scopedKey,
		Scope:            scope,
		ResultJSON:       string(encoded),
		CreatedAtSeconds: now.Unix(),
	}, nil
}

// insertRecord stores record unless its key exists and reports whether it was stored.
func insertRecord(tx *gorm.DB, record IdempotencyRecord) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ParseClientTimestamp accepts an RFC 3339 timestamp or a count of Unix epoch
// milliseconds written as a decimal string.
func ParseClientTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, errInvalidTimestamp
	}
	if isDigits(value) {
		millis, err := strconv.ParseInt(value, 10, 64)
		if err != nil || millis <= 0 {
			return time.Time{}, errInvalidTimestamp
		}
		return time.UnixMilli(millis).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errInvalidTimestamp
	}
	return parsed.UTC(), nil
}

func isDigits(value string) bool {
	for index := 0; index < len(value); index++ {
		if value[index] < '0' || value[index] > '9' {
			return false
		}
	}
	return true
}

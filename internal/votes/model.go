package votes

import (
	"strconv"
	"strings"
)

// Choice is a voter's reaction to a message.
type Choice int

const (
	ChoiceLove    Choice = 1
	ChoiceLike    Choice = 2
	ChoiceDislike Choice = 3
	ChoiceHate    Choice = 4
)

// Valid reports whether c is one of the four reactions.
func (c Choice) Valid() bool {
	return c >= ChoiceLove && c <= ChoiceHate
}

// BucketAll is the wildcard bucket value for an unset dimension or an all-time day.
const BucketAll = "ALL"

// DayLayout formats the UTC day bucket.
const DayLayout = "2006-01-02"

// Family names which dimensions a shard row pre-aggregates.
type Family string

const (
	FamilyTotal    Family = "total"
	FamilyGeo      Family = "geo"
	FamilyParty    Family = "party"
	FamilyDemo     Family = "demo"
	FamilyCombined Family = "combined"
)

// Shard is one of several counter rows for the same logical bucket. The true
// count of a bucket is the sum over every shard index.
type Shard struct {
	ID             uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	CompositeKey   string `gorm:"column:composite_key;size:512;not null;uniqueIndex:idx_vote_shards_composite"`
	Family         Family `gorm:"column:family;size:16;not null;index:idx_vote_shards_family_message_day,priority:1;index:idx_vote_shards_family_day,priority:1"`
	MessageID      string `gorm:"column:message_id;size:190;not null;index:idx_vote_shards_family_message_day,priority:2"`
	GeoBucket      string `gorm:"column:geo_bucket;size:64;not null"`
	PartyBucket    string `gorm:"column:party_bucket;size:64;not null"`
	DemoBucket     string `gorm:"column:demo_bucket;size:64;not null"`
	Day            string `gorm:"column:day;size:10;not null;index:idx_vote_shards_family_message_day,priority:3;index:idx_vote_shards_family_day,priority:2"`
	ShardIndex     int    `gorm:"column:shard_index;not null"`
	Love           int64  `gorm:"column:love_count;not null;default:0"`
	Like           int64  `gorm:"column:like_count;not null;default:0"`
	Dislike        int64  `gorm:"column:dislike_count;not null;default:0"`
	Hate           int64  `gorm:"column:hate_count;not null;default:0"`
	UpdatedAtNanos int64  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Shard) TableName() string {
	return "vote_aggregate_shards"
}

// ShardVersion is a single-row counter bumped by every transaction that writes
// shards. Readers compare it to decide whether derived data is still current.
type ShardVersion struct {
	ID      int   `gorm:"column:id;primaryKey"`
	Version int64 `gorm:"column:version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ShardVersion) TableName() string {
	return "vote_shard_version"
}

// IdempotencyRecord stores the outcome of the first processing of a batch key.
type IdempotencyRecord struct {
	Key              string `gorm:"column:idempotency_key;primaryKey;size:400;not null"`
	Scope            string `gorm:"column:scope;size:200;not null"`
	ResultJSON       string `gorm:"column:result_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_vote_idempotency_created"`
}

// TableName provides the explicit table binding for GORM.
func (IdempotencyRecord) TableName() string {
	return "vote_idempotency"
}

// Vote is one submitted reaction. It is folded into counters and never stored.
type Vote struct {
	MessageID     string
	Choice        Choice
	VotedAtClient string
}

// Batch is one vote submission.
type Batch struct {
	Votes          []Vote
	Context        UserContext
	UserID         string
	AnonSessionID  string
	IdempotencyKey string
}

// VoteError describes why one vote of a batch produced no increment.
type VoteError struct {
	Index     int    `json:"index"`
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Result is the outcome of ProcessBatch.
type Result struct {
	Accepted int         `json:"accepted"`
	Dropped  int         `json:"dropped"`
	Errors   []VoteError `json:"errors"`
	Replayed bool        `json:"replayed"`
}

// Tally is the four reaction counters of a bucket.
type Tally struct {
	Love    int64
	Like    int64
	Dislike int64
	Hate    int64
}

// Add increments the counter for choice.
func (t *Tally) Add(choice Choice) {
	switch choice {
	case ChoiceLove:
		t.Love++
	case ChoiceLike:
		t.Like++
	case ChoiceDislike:
		t.Dislike++
	case ChoiceHate:
		t.Hate++
	}
}

// Merge adds other into t.
func (t *Tally) Merge(other Tally) {
	t.Love += other.Love
	t.Like += other.Like
	t.Dislike += other.Dislike
	t.Hate += other.Hate
}

// N is the number of votes in the tally.
func (t Tally) N() int64 {
	return t.Love + t.Like + t.Dislike + t.Hate
}

// bucketKey identifies a logical bucket; shard rows add a shard index to it.
type bucketKey struct {
	family    Family
	messageID string
	geo       string
	party     string
	demo      string
	day       string
}

func (k bucketKey) compositeKey(shardIndex int) string {
	return strings.Join([]string{
		string(k.family), k.messageID, k.geo, k.party, k.demo, k.day, strconv.Itoa(shardIndex),
	}, "|")
}

package analytics

import (
	"github.com/civicpulse/backend/internal/votes"
)

// GroupBy names the dimension results are grouped along.
type GroupBy string

const (
	GroupByMessage GroupBy = "message"
	GroupByDay     GroupBy = "day"
	GroupByGeo     GroupBy = "geo"
	GroupByParty   GroupBy = "party"
	GroupByDemo    GroupBy = "demo"
)

// ParseGroupBy returns the GroupBy for raw and whether it is known.
func ParseGroupBy(raw string) (GroupBy, bool) {
	switch GroupBy(raw) {
	case GroupByMessage, GroupByDay, GroupByGeo, GroupByParty, GroupByDemo:
		return GroupBy(raw), true
	default:
		return "", false
	}
}

// Query selects and groups vote tallies. From and To are inclusive UTC days
// formatted as YYYY-MM-DD. Rollup asks for materialized totals when they are current.
type Query struct {
	GroupBy   GroupBy
	MessageID string
	Geo       string
	Party     string
	Demo      string
	From      string
	To        string
	Rollup    bool
	Limit     int
}

// Counts are the summed reaction counters of a group.
type Counts struct {
	Love    int64 `json:"love"`
	Like    int64 `json:"like"`
	Dislike int64 `json:"dislike"`
	Hate    int64 `json:"hate"`
	N       int64 `json:"n"`
}

// Rates are derived from Counts and never stored.
type Rates struct {
	LoveRate     float64 `json:"loveRate"`
	LikeRate     float64 `json:"likeRate"`
	DislikeRate  float64 `json:"dislikeRate"`
	HateRate     float64 `json:"hateRate"`
	Favorability float64 `json:"favorability"`
	Engagement   float64 `json:"engagement"`
}

// Item is one group of a Report.
type Item struct {
	Key    string `json:"key"`
	Counts Counts `json:"counts"`
	Rates  Rates  `json:"rates"`
}

// Totals sums every group of a Report, including groups cut by the limit.
type Totals struct {
	Counts Counts `json:"counts"`
	Rates  Rates  `json:"rates"`
}

// Report is the answer to a Query.
type Report struct {
	GroupBy GroupBy `json:"groupBy"`
	Items   []Item  `json:"items"`
	Totals  Totals  `json:"totals"`
	Source  string  `json:"source"`
}

// Rollup is the materialized sum of every shard of one bucket.
type Rollup struct {
	Family         votes.Family `gorm:"column:family;size:16;primaryKey"`
	MessageID      string       `gorm:"column:message_id;size:190;primaryKey"`
	GeoBucket      string       `gorm:"column:geo_bucket;size:64;primaryKey"`
	PartyBucket    string       `gorm:"column:party_bucket;size:64;primaryKey"`
	DemoBucket     string       `gorm:"column:demo_bucket;size:64;primaryKey"`
	Day            string       `gorm:"column:day;size:10;primaryKey"`
	Love           int64        `gorm:"column:love_count;not null"`
	Like           int64        `gorm:"column:like_count;not null"`
	Dislike        int64        `gorm:"column:dislike_count;not null"`
	Hate           int64        `gorm:"column:hate_count;not null"`
	UpdatedAtNanos int64        `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Rollup) TableName() string {
	return "vote_rollups"
}

// RollupState is the single-row watermark of the last refresh. The rollup is
// current only while the shard write sequence still equals ShardVersion.
type RollupState struct {
	ID                 int   `gorm:"column:id;primaryKey"`
	ShardVersion       int64 `gorm:"column:shard_version;not null;default:0"`
	ShardRows          int64 `gorm:"column:shard_rows;not null"`
	CounterSum         int64 `gorm:"column:counter_sum;not null"`
	MaxUpdatedAtNanos  int64 `gorm:"column:max_updated_at;not null"`
	RefreshedAtSeconds int64 `gorm:"column:refreshed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RollupState) TableName() string {
	return "vote_rollup_state"
}

type watermark struct {
	ShardRows         int64 `gorm:"column:shard_rows"`
	CounterSum        int64 `gorm:"column:counter_sum"`
	MaxUpdatedAtNanos int64 `gorm:"column:max_updated_at"`
}

type groupRow struct {
	GroupKey string `gorm:"column:group_key"`
	Love     int64  `gorm:"column:love_total"`
	Like     int64  `gorm:"column:like_total"`
	Dislike  int64  `gorm:"column:dislike_total"`
	Hate     int64  `gorm:"column:hate_total"`
}

func (r groupRow) counts() Counts {
	return Counts{
		Love:    r.Love,
		Like:    r.Like,
		Dislike: r.Dislike,
		Hate:    r.Hate,
		N:       r.Love + r.Like + r.Dislike + r.Hate,
	}
}

package votes

import (
	"encoding/json"
	"regexp"
	"strings"
)

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// UserContext holds the bucket dimensions a vote is counted under. Empty fields
// mean the vote is only counted in the ALL bucket of that dimension.
type UserContext struct {
	Geo   string `json:"geo,omitempty"`
	Party string `json:"party,omitempty"`
	Demo  string `json:"demo,omitempty"`
}

// Normalized lowercases each field and clears values that are not valid bucket names.
func (c UserContext) Normalized() UserContext {
	return UserContext{
		Geo:   NormalizeBucket(c.Geo),
		Party: NormalizeBucket(c.Party),
		Demo:  NormalizeBucket(c.Demo),
	}
}

// IsEmpty reports whether no dimension is set.
func (c UserContext) IsEmpty() bool {
	return c.Geo == "" && c.Party == "" && c.Demo == ""
}

// Or returns c when it carries any dimension and fallback otherwise.
func (c UserContext) Or(fallback UserContext) UserContext {
	if !c.IsEmpty() {
		return c
	}
	return fallback
}

// NormalizeBucket returns the canonical bucket name for raw, or "" when raw cannot be one.
func NormalizeBucket(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || value == strings.ToLower(BucketAll) || !bucketPattern.MatchString(value) {
		return ""
	}
	return value
}

// field names accepted for each dimension in loosely shaped client payloads
var (
	geoKeys   = []string{"geo", "geoBucket", "geo_bucket"}
	partyKeys = []string{"party", "partyBucket", "party_bucket"}
	demoKeys  = []string{"demo", "demoBucket", "demo_bucket"}
)

// ParseUserContext reads a client-supplied context object. Unknown fields, non-string
// values and malformed buckets are dropped; a payload that is not an object yields
// an empty context. It never fails.
func ParseUserContext(raw json.RawMessage) UserContext {
	if len(raw) == 0 {
		return UserContext{}
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return UserContext{}
	}
	return UserContext{
		Geo:   firstBucket(fields, geoKeys),
		Party: firstBucket(fields, partyKeys),
		Demo:  firstBucket(fields, demoKeys),
	}
}

func firstBucket(fields map[string]json.RawMessage, keys []string) string {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			continue
		}
		if bucket := NormalizeBucket(text); bucket != "" {
			return bucket
		}
	}
	return ""
}

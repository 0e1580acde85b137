package catalog

import (
	"fmt"
	"strings"
)

// Status marks whether a message or pair is shown to voters.
type Status string

const (
	// StatusActive items are listed publicly and accept votes.
	StatusActive Status = "active"
	// StatusInactive items are hidden from voters but kept for admins and analytics.
	StatusInactive Status = "inactive"
)

const (
	maxIdentifierLength = 190
	maxSloganLength     = 280
	maxSublineLength    = 560
)

// ParseStatus normalizes raw input into a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// Namespace selects one of the independently ranked lists.
type Namespace string

const (
	// NamespaceMessages orders votable messages.
	NamespaceMessages Namespace = "messages"
	// NamespacePairs orders A/B comparison pairs.
	NamespacePairs Namespace = "ab_pairs"
)

func (ns Namespace) table() string {
	switch ns {
	case NamespaceMessages:
		return Message{}.TableName()
	case NamespacePairs:
		return ABPair{}.TableName()
	default:
		return ""
	}
}

// Message is a votable subject.
type Message struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	Slogan           string  `gorm:"column:slogan;size:280;not null"`
	Subline          *string `gorm:"column:subline;size:560"`
	Status           Status  `gorm:"column:status;size:16;not null;index:idx_messages_status"`
	Rank             string  `gorm:"column:sort_rank;size:64;not null;uniqueIndex:idx_messages_rank"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// ABPair compares two distinct messages.
type ABPair struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	MessageAID       string `gorm:"column:message_a_id;size:190;not null;index:idx_ab_pairs_message_a"`
	MessageBID       string `gorm:"column:message_b_id;size:190;not null;index:idx_ab_pairs_message_b"`
	Status           Status `gorm:"column:status;size:16;not null;index:idx_ab_pairs_status"`
	Rank             string `gorm:"column:sort_rank;size:64;not null;uniqueIndex:idx_ab_pairs_rank"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ABPair) TableName() string {
	return "ab_pairs"
}

// MessageInput describes a new message.
type MessageInput struct {
	Slogan  string
	Subline *string
	Status  Status
}

// MessagePatch lists the admin-editable fields; nil fields are left untouched.
type MessagePatch struct {
	Slogan       *string
	Subline      *string
	ClearSubline bool
	Status       *Status
}

// PairInput describes a new A/B pair.
type PairInput struct {
	MessageAID string
	MessageBID string
	Status     Status
}

// ListFilter narrows list results.
type ListFilter struct {
	Status *Status
}

// StatusChange is one item of a bulk status update.
type StatusChange struct {
	ID     string
	Status Status
}

// BulkFailure reports one failed item of a bulk request.
type BulkFailure struct {
	ID      string
	Code    string
	Message string
}

// BulkResult lists which items of a bulk request succeeded and which failed.
type BulkResult struct {
	Succeeded []string
	Failed    []BulkFailure
}

// ReorderRequest places TargetID between BeforeID and AfterID.
// An empty BeforeID or AfterID is resolved from the current list; when both are
// empty the target moves to the bottom.
type ReorderRequest struct {
	TargetID string
	BeforeID string
	AfterID  string
}

// ReorderResult reports the target's rank after the move.
type ReorderResult struct {
	ID         string
	Rank       string
	Moved      bool
	Rebalanced bool
}

type rankedRow struct {
	ID   string `gorm:"column:id"`
	Rank string `gorm:"column:sort_rank"`
}

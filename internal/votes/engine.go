package votes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNewEngine    = "votes.engine.new"
	opProcessBatch = "votes.process_batch"
	opPurge        = "votes.purge_idempotency"

	reasonMissingDatabase = "missing_database"
	reasonMissingSubjects = "missing_subjects"
	reasonEmptyBatch      = "empty_batch"
	reasonBatchTooLarge   = "batch_too_large"
	reasonInvalidVote     = "invalid_vote"
	reasonInvalidKey      = "invalid_idempotency_key"
	reasonInvalidIdentity = "invalid_identity"
	reasonLookupFailed    = "lookup_failed"
	reasonWriteFailed     = "write_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonInvalidAge      = "invalid_retention"

	// DefaultShardCount is the number of counter rows per logical bucket.
	DefaultShardCount = 10
	// DefaultMaxBatchSize bounds the votes accepted in one call.
	DefaultMaxBatchSize = 100
	// DefaultMaxClockSkew bounds how far in the future a client timestamp may be.
	DefaultMaxClockSkew = 5 * time.Minute

	maxIdempotencyKeyLength = 200
	maxMessageIDLength      = 190
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSubjects = errors.New("subject directory is required")
	errKeyTaken        = errors.New("idempotency key recorded concurrently")
	noOpLogger         = zap.NewNop()
)

// SubjectDirectory reports which message ids may currently receive votes.
type SubjectDirectory interface {
	VotableMessageIDs(ctx context.Context, messageIDs []string) (map[string]struct{}, error)
}

// TallyPublisher is told which messages' tallies moved after a batch commits.
type TallyPublisher interface {
	PublishTallies(messageIDs []string)
}

// ShardPicker returns a shard index in [0, shardCount).
type ShardPicker func(shardCount int) int

// WriteMode selects how a batch's increments are committed.
type WriteMode int

const (
	// WriteAtomic commits every shard increment and the idempotency record in one transaction.
	WriteAtomic WriteMode = iota
	// WritePerVote commits each vote's increments in its own transaction and records
	// the idempotency key only after all of them succeeded.
	WritePerVote
)

// EngineConfig lists the dependencies of the aggregation engine.
type EngineConfig struct {
	Database     *gorm.DB
	Subjects     SubjectDirectory
	Clock        func() time.Time
	ShardCount   int
	MaxBatchSize int
	MaxClockSkew time.Duration
	Mode         WriteMode
	Retry        txn.Policy
	Picker       ShardPicker
	Publisher    TallyPublisher
	Metrics      *metrics.Engine
	Logger       *zap.Logger
}

// Engine folds vote batches into sharded counters.
type Engine struct {
	db           *gorm.DB
	subjects     SubjectDirectory
	clock        func() time.Time
	shardCount   int
	maxBatchSize int
	maxClockSkew time.Duration
	mode         WriteMode
	retry        txn.Policy
	picker       ShardPicker
	publisher    TallyPublisher
	metrics      *metrics.Engine
	logger       *zap.Logger
}

// NewEngine validates the configuration and applies defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opNewEngine, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Subjects == nil {
		return nil, apperr.Internal(opNewEngine, reasonMissingSubjects, errMissingSubjects)
	}
	engine := &Engine{
		db:           cfg.Database,
		subjects:     cfg.Subjects,
		clock:        cfg.Clock,
		shardCount:   cfg.ShardCount,
		maxBatchSize: cfg.MaxBatchSize,
		maxClockSkew: cfg.MaxClockSkew,
		mode:         cfg.Mode,
		retry:        cfg.Retry,
		picker:       cfg.Picker,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.shardCount <= 0 {
		engine.shardCount = DefaultShardCount
	}
	if engine.maxBatchSize <= 0 || engine.maxBatchSize > DefaultMaxBatchSize {
		engine.maxBatchSize = DefaultMaxBatchSize
	}
	if engine.maxClockSkew <= 0 {
		engine.maxClockSkew = DefaultMaxClockSkew
	}
	if engine.retry.Attempts <= 0 {
		engine.retry = txn.DefaultPolicy()
	}
	if engine.picker == nil {
		engine.picker = rand.IntN
	}
	if engine.logger == nil {
		engine.logger = noOpLogger
	}
	return engine, nil
}

// ProcessBatch validates, deduplicates and counts a batch of votes.
//
// A malformed batch is rejected with INVALID_INPUT before anything is written.
// Votes for unknown or inactive messages and repeated votes for the same message
// are dropped individually. A batch whose idempotency key was already recorded
// is answered with zero accepted votes and no writes.
func (e *Engine) ProcessBatch(ctx context.Context, batch Batch) (Result, error) {
	if e == nil || e.db == nil {
		return Result{}, apperr.Internal(opProcessBatch, reasonMissingDatabase, errMissingDatabase)
	}
	now := e.clock().UTC()
	votes, err := e.validate(batch, now)
	if err != nil {
		return Result{}, err
	}
	key := strings.TrimSpace(batch.IdempotencyKey)
	scope := idempotencyScope(batch.UserID, batch.AnonSessionID)
	scopedKey := ""
	if key != "" {
		scopedKey = scope + "|" + key
		stored, found, lookupErr := e.lookupRecord(ctx, scopedKey)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		if found {
			return e.replay(stored), nil
		}
	}

	result := Result{Errors: []VoteError{}}
	accepted, err := e.filter(ctx, votes, &result)
	if err != nil {
		return Result{}, err
	}

	plan := newWritePlan(accepted, batch.Context.Normalized(), now, e.shardCount, e.picker)
	switch e.mode {
	case WritePerVote:
		err = e.writePerVote(ctx, plan, &result, scopedKey, scope, now)
	default:
		err = e.writeAtomic(ctx, plan, &result, scopedKey, scope, now)
	}
	if errors.Is(err, errKeyTaken) {
		stored, found, lookupErr := e.lookupRecord(ctx, scopedKey)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		if found {
			return e.replay(stored), nil
		}
		err = apperr.Internal(opProcessBatch, reasonWriteFailed, errKeyTaken)
	}
	if err != nil {
		return Result{}, e.storageError(reasonWriteFailed, err)
	}

	e.metrics.AddAccepted(result.Accepted)
	if result.Accepted > 0 && e.publisher != nil {
		e.publisher.PublishTallies(plan.acceptedMessageIDs(result))
	}
	e.logger.Debug("vote batch processed",
		zap.Int("submitted", len(batch.Votes)),
		zap.Int("accepted", result.Accepted),
		zap.Int("dropped", result.Dropped),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// PurgeIdempotency deletes idempotency records older than retention and returns how many were removed.
func (e *Engine) PurgeIdempotency(ctx context.Context, retention time.Duration) (int64, error) {
	if e == nil || e.db == nil {
		return 0, apperr.Internal(opPurge, reasonMissingDatabase, errMissingDatabase)
	}
	if retention <= 0 {
		return 0, apperr.New(apperr.KindInvalidInput, opPurge, reasonInvalidAge, "retention must be positive", nil)
	}
	cutoff := e.clock().UTC().Add(-retention).Unix()
	result := e.db.WithContext(ctx).Where("created_at_s < ?", cutoff).Delete(&IdempotencyRecord{})
	if result.Error != nil {
		e.logError(opPurge, reasonWriteFailed, result.Error)
		return 0, apperr.Internal(opPurge, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (e *Engine) validate(batch Batch, now time.Time) ([]Vote, error) {
	if len(batch.Votes) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, opProcessBatch, reasonEmptyBatch, "a batch must contain at least one vote", nil)
	}
	if len(batch.Votes) > e.maxBatchSize {
		return nil, apperr.New(apperr.KindInvalidInput, opProcessBatch, reasonBatchTooLarge,
			fmt.Sprintf("a batch may contain at most %d votes", e.maxBatchSize), nil)
	}
	if len(strings.TrimSpace(batch.IdempotencyKey)) > maxIdempotencyKeyLength {
		return nil, apperr.New(apperr.KindInvalidInput, opProcessBatch, reasonInvalidKey,
			fmt.Sprintf("idempotency key must be at most %d characters", maxIdempotencyKeyLength), nil)
	}
	if len(strings.TrimSpace(batch.UserID)) > maxMessageIDLength || len(strings.TrimSpace(batch.AnonSessionID)) > maxMessageIDLength {
		return nil, apperr.New(apperr.KindInvalidInput, opProcessBatch, reasonInvalidIdentity, "user and session identifiers must be at most 190 characters", nil)
	}
	latest := now.Add(e.maxClockSkew)
	votes := make([]Vote, 0, len(batch.Votes))
	for index, vote := range batch.Votes {
		messageID := strings.TrimSpace(vote.MessageID)
		if messageID == "" || len(messageID) > maxMessageIDLength {
			return nil, invalidVote(index, "messageId is required")
		}
		if !vote.Choice.Valid() {
			return nil, invalidVote(index, "choice must be 1, 2, 3 or 4")
		}
		votedAt, err := ParseClientTimestamp(vote.VotedAtClient)
		if err != nil {
			return nil, invalidVote(index, "votedAtClient must be an RFC 3339 timestamp or epoch milliseconds")
		}
		if votedAt.After(latest) {
			return nil, invalidVote(index, "votedAtClient is in the future")
		}
		votes = append(votes, Vote{MessageID: messageID, Choice: vote.Choice, VotedAtClient: vote.VotedAtClient})
	}
	return votes, nil
}

func invalidVote(index int, message string) error {
	return apperr.New(apperr.KindInvalidInput, opProcessBatch, reasonInvalidVote, fmt.Sprintf("vote %d: %s", index, message), nil)
}

// filter applies first-occurrence-wins deduplication and drops votes for
// messages that cannot be voted on. Dropped votes are counted in result.
func (e *Engine) filter(ctx context.Context, votes []Vote, result *Result) ([]indexedVote, error) {
	seen := make(map[string]struct{}, len(votes))
	unique := make([]indexedVote, 0, len(votes))
	ids := make([]string, 0, len(votes))
	duplicates := 0
	for index, vote := range votes {
		if _, ok := seen[vote.MessageID]; ok {
			duplicates++
			continue
		}
		seen[vote.MessageID] = struct{}{}
		unique = append(unique, indexedVote{index: index, vote: vote})
		ids = append(ids, vote.MessageID)
	}

	votable, err := e.subjects.VotableMessageIDs(ctx, ids)
	if err != nil {
		return nil, e.storageError(reasonLookupFailed, err)
	}
	accepted := make([]indexedVote, 0, len(unique))
	invalid := 0
	for _, candidate := range unique {
		if _, ok := votable[candidate.vote.MessageID]; !ok {
			invalid++
			result.Errors = append(result.Errors, VoteError{
				Index:     candidate.index,
				MessageID: candidate.vote.MessageID,
				Code:      string(apperr.KindInvalidMessageID),
				Message:   "message does not exist or is not accepting votes",
			})
			continue
		}
		accepted = append(accepted, candidate)
	}

	result.Dropped += duplicates + invalid
	e.metrics.AddDropped(metrics.DropReasonDuplicate, duplicates)
	e.metrics.AddDropped(metrics.DropReasonInvalidMessageID, invalid)
	return accepted, nil
}

func (e *Engine) writeAtomic(ctx context.Context, plan writePlan, result *Result, scopedKey, scope string, now time.Time) error {
	final := *result
	final.Accepted = len(plan.votes)
	record, err := newRecord(scopedKey, scope, final, now)
	if err != nil {
		return err
	}
	deltas := plan.merged()
	err = txn.Run(ctx, e.db, e.retryFor(opProcessBatch), func(tx *gorm.DB) error {
		if record != nil {
			inserted, insertErr := insertRecord(tx, *record)
			if insertErr != nil {
				return insertErr
			}
			if !inserted {
				return errKeyTaken
			}
		}
		return upsertShards(tx, deltas, now.UnixNano())
	})
	if err != nil {
		return err
	}
	*result = final
	return nil
}

func (e *Engine) writePerVote(ctx context.Context, plan writePlan, result *Result, scopedKey, scope string, now time.Time) error {
	for position, candidate := range plan.votes {
		deltas := plan.forVote(position)
		err := txn.Run(ctx, e.db, e.retryFor(opProcessBatch), func(tx *gorm.DB) error {
			return upsertShards(tx, deltas, now.UnixNano())
		})
		if err != nil {
			e.logError(opProcessBatch, reasonWriteFailed, err, zap.String("message_id", candidate.vote.MessageID))
			result.Errors = append(result.Errors, VoteError{
				Index:     candidate.index,
				MessageID: candidate.vote.MessageID,
				Code:      string(apperr.KindInternal),
				Message:   "vote could not be recorded",
			})
			continue
		}
		result.Accepted++
	}
	if scopedKey == "" || hasWriteErrors(result.Errors) {
		return nil
	}
	record, err := newRecord(scopedKey, scope, *result, now)
	if err != nil {
		return err
	}
	// the counters are already committed, so a concurrent winner for the key is not an error here
	return txn.Run(ctx, e.db, e.retryFor(opProcessBatch), func(tx *gorm.DB) error {
		_, insertErr := insertRecord(tx, *record)
		return insertErr
	})
}

func hasWriteErrors(voteErrors []VoteError) bool {
	for _, voteError := range voteErrors {
		if voteError.Code == string(apperr.KindInternal) {
			return true
		}
	}
	return false
}

func (e *Engine) lookupRecord(ctx context.Context, scopedKey string) (Result, bool, error) {
	var record IdempotencyRecord
	err := e.db.WithContext(ctx).Where("idempotency_key = ?", scopedKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, e.storageError(reasonLookupFailed, err)
	}
	var stored Result
	if err := json.Unmarshal([]byte(record.ResultJSON), &stored); err != nil {
		e.logError(opProcessBatch, reasonDecodeFailed, err)
		return Result{}, false, apperr.Internal(opProcessBatch, reasonDecodeFailed, err)
	}
	return stored, true, nil
}

// replay answers a recorded batch: nothing is accepted again and every
// originally counted vote is reported as dropped.
func (e *Engine) replay(stored Result) Result {
	dropped := stored.Accepted + stored.Dropped
	e.metrics.IncReplay()
	e.metrics.AddDropped(metrics.DropReasonReplay, dropped)
	return Result{Accepted: 0, Dropped: dropped, Errors: []VoteError{}, Replayed: true}
}

func (e *Engine) retryFor(operation string) txn.Policy {
	policy := e.retry
	policy.OnRetry = func(attempt int, err error) {
		e.metrics.IncStoreRetry(operation)
		e.logger.Debug("vote transaction retry",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return policy
}

func (e *Engine) storageError(reason string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	e.logError(opProcessBatch, reason, err)
	return apperr.Internal(opProcessBatch, reason, err)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("vote engine error", attrs...)
}

func idempotencyScope(userID, anonSessionID string) string {
	if trimmed := strings.TrimSpace(userID); trimmed != "" {
		return "user:" + trimmed
	}
	if trimmed := strings.TrimSpace(anonSessionID); trimmed != "" {
		return "anon:" + trimmed
	}
	return "public"
}

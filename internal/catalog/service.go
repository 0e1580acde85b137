package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/ids"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/rank"
	"github.com/civicpulse/backend/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew      = "catalog.service.new"
	opCreateMessage   = "catalog.create_message"
	opGetMessage      = "catalog.get_message"
	opUpdateMessage   = "catalog.update_message"
	opDeleteMessage   = "catalog.delete_message"
	opListMessages    = "catalog.list_messages"
	opBulkStatus      = "catalog.bulk_update_status"
	opVotableMessages = "catalog.votable_messages"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonNotFound        = "not_found"
	reasonInvalidID       = "invalid_id"
	reasonInvalidSlogan   = "invalid_slogan"
	reasonInvalidSubline  = "invalid_subline"
	reasonInvalidStatus   = "invalid_status"
	reasonWriteFailed     = "write_failed"
	reasonRankFailed      = "rank_failed"
	reasonPartial         = "partial_failure"

	queryID = "id = ?"
)

// ServiceConfig lists the dependencies of the catalog service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Ranks      rank.Engine
	Retry      txn.Policy
	Metrics    *metrics.Engine
	Logger     *zap.Logger
}

// Service owns messages, A/B pairs and their manual ordering.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	ranks      rank.Engine
	retry      txn.Policy
	metrics    *metrics.Engine
	logger     *zap.Logger
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internal(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = txn.DefaultPolicy()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		ranks:      cfg.Ranks,
		retry:      retry,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// CreateMessage stores a new message ranked after the current last message.
func (s *Service) CreateMessage(ctx context.Context, input MessageInput) (Message, error) {
	if err := s.ensureDatabase(opCreateMessage); err != nil {
		return Message{}, err
	}
	slogan, err := normalizeSlogan(opCreateMessage, input.Slogan)
	if err != nil {
		return Message{}, err
	}
	subline, err := normalizeSubline(opCreateMessage, input.Subline)
	if err != nil {
		return Message{}, err
	}
	status := input.Status
	if status == "" {
		status = StatusActive
	}
	if status, err = validateStatus(opCreateMessage, string(status)); err != nil {
		return Message{}, err
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, "id_generation_failed", err)
		return Message{}, apperr.Internal(opCreateMessage, "id_generation_failed", err)
	}

	var created Message
	err = txn.Run(ctx, s.db, s.retryFor(opCreateMessage), func(tx *gorm.DB) error {
		nowSeconds := s.clock().UTC().Unix()
		sortRank, rankErr := s.appendRank(tx, NamespaceMessages)
		if rankErr != nil {
			return rankErr
		}
		created = Message{
			ID:               messageID,
			Slogan:           slogan,
			Subline:          subline,
			Status:           status,
			Rank:             sortRank,
			CreatedAtSeconds: nowSeconds,
			UpdatedAtSeconds: nowSeconds,
		}
		return conflictOnDuplicate(tx.Create(&created).Error)
	})
	if err != nil {
		return Message{}, s.storageError(opCreateMessage, reasonWriteFailed, err)
	}
	return created, nil
}

// GetMessage loads one message.
func (s *Service) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := s.ensureDatabase(opGetMessage); err != nil {
		return Message{}, err
	}
	id, err := normalizeID(opGetMessage, messageID)
	if err != nil {
		return Message{}, err
	}
	var message Message
	err = s.db.WithContext(ctx).Where(queryID, id).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, apperr.New(apperr.KindNotFound, opGetMessage, reasonNotFound, "message not found", nil)
	}
	if err != nil {
		return Message{}, s.storageError(opGetMessage, reasonQueryFailed, err)
	}
	return message, nil
}

// UpdateMessage applies patch to the message content; rank is never touched here.
func (s *Service) UpdateMessage(ctx context.Context, messageID string, patch MessagePatch) (Message, error) {
	if err := s.ensureDatabase(opUpdateMessage); err != nil {
		return Message{}, err
	}
	id, err := normalizeID(opUpdateMessage, messageID)
	if err != nil {
		return Message{}, err
	}
	updates := map[string]interface{}{}
	if patch.Slogan != nil {
		slogan, sloganErr := normalizeSlogan(opUpdateMessage, *patch.Slogan)
		if sloganErr != nil {
			return Message{}, sloganErr
		}
		updates["slogan"] = slogan
	}
	if patch.ClearSubline {
		updates["subline"] = nil
	} else if patch.Subline != nil {
		subline, sublineErr := normalizeSubline(opUpdateMessage, patch.Subline)
		if sublineErr != nil {
			return Message{}, sublineErr
		}
		updates["subline"] = subline
	}
	if patch.Status != nil {
		status, statusErr := validateStatus(opUpdateMessage, string(*patch.Status))
		if statusErr != nil {
			return Message{}, statusErr
		}
		updates["status"] = status
	}

	var updated Message
	err = txn.Run(ctx, s.db, s.retryFor(opUpdateMessage), func(tx *gorm.DB) error {
		if err := tx.Where(queryID, id).Take(&updated).Error; err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		updates["updated_at_s"] = s.clock().UTC().Unix()
		if err := tx.Model(&Message{}).Where(queryID, id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where(queryID, id).Take(&updated).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, apperr.New(apperr.KindNotFound, opUpdateMessage, reasonNotFound, "message not found", nil)
	}
	if err != nil {
		return Message{}, s.storageError(opUpdateMessage, reasonWriteFailed, err)
	}
	return updated, nil
}

// DeleteMessage hard-deletes a message and every pair that references it.
// Vote shards for the message are kept for historical analytics.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.ensureDatabase(opDeleteMessage); err != nil {
		return err
	}
	id, err := normalizeID(opDeleteMessage, messageID)
	if err != nil {
		return err
	}
	err = txn.Run(ctx, s.db, s.retryFor(opDeleteMessage), func(tx *gorm.DB) error {
		result := tx.Where(queryID, id).Delete(&Message{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("message_a_id = ? OR message_b_id = ?", id, id).Delete(&ABPair{}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.KindNotFound, opDeleteMessage, reasonNotFound, "message not found", nil)
	}
	if err != nil {
		return s.storageError(opDeleteMessage, reasonWriteFailed, err)
	}
	return nil
}

// ListMessages returns messages in rank order.
func (s *Service) ListMessages(ctx context.Context, filter ListFilter) ([]Message, error) {
	if err := s.ensureDatabase(opListMessages); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Order("sort_rank ASC")
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	messages := []Message{}
	if err := query.Find(&messages).Error; err != nil {
		return nil, s.storageError(opListMessages, reasonQueryFailed, err)
	}
	return messages, nil
}

// UpdateMessageStatuses applies each change in its own transaction. When any item
// fails the result lists both sides and the error is PARTIAL_FAILURE.
func (s *Service) UpdateMessageStatuses(ctx context.Context, changes []StatusChange) (BulkResult, error) {
	if err := s.ensureDatabase(opBulkStatus); err != nil {
		return BulkResult{}, err
	}
	if len(changes) == 0 {
		return BulkResult{}, apperr.New(apperr.KindInvalidInput, opBulkStatus, "empty_request", "at least one change is required", nil)
	}
	result := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, change := range changes {
		status := change.Status
		_, err := s.UpdateMessage(ctx, change.ID, MessagePatch{Status: &status})
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{
				ID:      change.ID,
				Code:    string(apperr.KindOf(err)),
				Message: safeMessage(err),
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, change.ID)
	}
	if len(result.Failed) > 0 {
		return result, apperr.New(apperr.KindPartialFailure, opBulkStatus, reasonPartial, "some status changes failed", nil)
	}
	return result, nil
}

// VotableMessageIDs returns the subset of messageIDs that exist and are active.
func (s *Service) VotableMessageIDs(ctx context.Context, messageIDs []string) (map[string]struct{}, error) {
	if err := s.ensureDatabase(opVotableMessages); err != nil {
		return nil, err
	}
	votable := make(map[string]struct{}, len(messageIDs))
	if len(messageIDs) == 0 {
		return votable, nil
	}
	var found []string
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("id IN ? AND status = ?", messageIDs, StatusActive).
		Pluck("id", &found).Error
	if err != nil {
		return nil, s.storageError(opVotableMessages, reasonQueryFailed, err)
	}
	for _, id := range found {
		votable[id] = struct{}{}
	}
	return votable, nil
}

func (s *Service) ensureDatabase(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return apperr.Internal(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

func (s *Service) retryFor(operation string) txn.Policy {
	policy := s.retry
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.IncStoreRetry(operation)
		s.loggerOrDefault().Debug("catalog transaction retry",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return policy
}

// storageError passes caller-visible errors through and wraps everything else as internal.
func (s *Service) storageError(operation, reason string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	s.logError(operation, reason, err)
	return apperr.Internal(operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("catalog service error", attrs...)
}

func normalizeID(operation, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxIdentifierLength {
		return "", apperr.New(apperr.KindInvalidInput, operation, reasonInvalidID, "identifier is empty or too long", nil)
	}
	return trimmed, nil
}

func normalizeSlogan(operation, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxSloganLength {
		return "", apperr.New(apperr.KindInvalidInput, operation, reasonInvalidSlogan, "slogan is required and must be at most 280 characters", nil)
	}
	return trimmed, nil
}

func normalizeSubline(operation string, raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*raw)
	if trimmed == "" {
		return nil, nil
	}
	if len(trimmed) > maxSublineLength {
		return nil, apperr.New(apperr.KindInvalidInput, operation, reasonInvalidSubline, "subline must be at most 560 characters", nil)
	}
	return &trimmed, nil
}

func validateStatus(operation, raw string) (Status, error) {
	status, err := ParseStatus(raw)
	if err != nil {
		return "", apperr.New(apperr.KindInvalidInput, operation, reasonInvalidStatus, "status must be active or inactive", nil)
	}
	return status, nil
}

func safeMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return "internal error"
}

package catalog

import (
	"context"
	"errors"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/txn"
	"gorm.io/gorm"
)

const (
	opCreatePair       = "catalog.create_pair"
	opGetPair          = "catalog.get_pair"
	opUpdatePairStatus = "catalog.update_pair_status"
	opDeletePair       = "catalog.delete_pair"
	opListPairs        = "catalog.list_pairs"

	reasonSameMessage = "same_message"
	reasonMissingPair = "pair_not_found"
)

// CreatePair stores a pair of two distinct existing messages, ranked after the last pair.
func (s *Service) CreatePair(ctx context.Context, input PairInput) (ABPair, error) {
	if err := s.ensureDatabase(opCreatePair); err != nil {
		return ABPair{}, err
	}
	messageAID, err := normalizeID(opCreatePair, input.MessageAID)
	if err != nil {
		return ABPair{}, err
	}
	messageBID, err := normalizeID(opCreatePair, input.MessageBID)
	if err != nil {
		return ABPair{}, err
	}
	if messageAID == messageBID {
		return ABPair{}, apperr.New(apperr.KindInvalidInput, opCreatePair, reasonSameMessage, "messages must be different", nil)
	}
	status := input.Status
	if status == "" {
		status = StatusActive
	}
	if status, err = validateStatus(opCreatePair, string(status)); err != nil {
		return ABPair{}, err
	}
	pairID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePair, "id_generation_failed", err)
		return ABPair{}, apperr.Internal(opCreatePair, "id_generation_failed", err)
	}

	var created ABPair
	err = txn.Run(ctx, s.db, s.retryFor(opCreatePair), func(tx *gorm.DB) error {
		var found int64
		if err := tx.Model(&Message{}).Where("id IN ?", []string{messageAID, messageBID}).Count(&found).Error; err != nil {
			return err
		}
		if found != 2 {
			return apperr.New(apperr.KindNotFound, opCreatePair, reasonNotFound, "both messages must exist", nil)
		}
		nowSeconds := s.clock().UTC().Unix()
		sortRank, rankErr := s.appendRank(tx, NamespacePairs)
		if rankErr != nil {
			return rankErr
		}
		created = ABPair{
			ID:               pairID,
			MessageAID:       messageAID,
			MessageBID:       messageBID,
			Status:           status,
			Rank:             sortRank,
			CreatedAtSeconds: nowSeconds,
			UpdatedAtSeconds: nowSeconds,
		}
		return conflictOnDuplicate(tx.Create(&created).Error)
	})
	if err != nil {
		return ABPair{}, s.storageError(opCreatePair, reasonWriteFailed, err)
	}
	return created, nil
}

// GetPair loads one pair.
func (s *Service) GetPair(ctx context.Context, pairID string) (ABPair, error) {
	if err := s.ensureDatabase(opGetPair); err != nil {
		return ABPair{}, err
	}
	id, err := normalizeID(opGetPair, pairID)
	if err != nil {
		return ABPair{}, err
	}
	var pair ABPair
	err = s.db.WithContext(ctx).Where(queryID, id).Take(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ABPair{}, apperr.New(apperr.KindNotFound, opGetPair, reasonMissingPair, "pair not found", nil)
	}
	if err != nil {
		return ABPair{}, s.storageError(opGetPair, reasonQueryFailed, err)
	}
	return pair, nil
}

// UpdatePairStatus activates or deactivates a pair.
func (s *Service) UpdatePairStatus(ctx context.Context, pairID string, status Status) (ABPair, error) {
	if err := s.ensureDatabase(opUpdatePairStatus); err != nil {
		return ABPair{}, err
	}
	id, err := normalizeID(opUpdatePairStatus, pairID)
	if err != nil {
		return ABPair{}, err
	}
	if status, err = validateStatus(opUpdatePairStatus, string(status)); err != nil {
		return ABPair{}, err
	}
	var updated ABPair
	err = txn.Run(ctx, s.db, s.retryFor(opUpdatePairStatus), func(tx *gorm.DB) error {
		result := tx.Model(&ABPair{}).Where(queryID, id).Updates(map[string]interface{}{
			"status":       status,
			"updated_at_s": s.clock().UTC().Unix(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where(queryID, id).Take(&updated).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ABPair{}, apperr.New(apperr.KindNotFound, opUpdatePairStatus, reasonMissingPair, "pair not found", nil)
	}
	if err != nil {
		return ABPair{}, s.storageError(opUpdatePairStatus, reasonWriteFailed, err)
	}
	return updated, nil
}

// DeletePair hard-deletes a pair.
func (s *Service) DeletePair(ctx context.Context, pairID string) error {
	if err := s.ensureDatabase(opDeletePair); err != nil {
		return err
	}
	id, err := normalizeID(opDeletePair, pairID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where(queryID, id).Delete(&ABPair{})
	if result.Error != nil {
		return s.storageError(opDeletePair, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, opDeletePair, reasonMissingPair, "pair not found", nil)
	}
	return nil
}

// ListPairs returns pairs in rank order.
func (s *Service) ListPairs(ctx context.Context, filter ListFilter) ([]ABPair, error) {
	if err := s.ensureDatabase(opListPairs); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Order("sort_rank ASC")
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	pairs := []ABPair{}
	if err := query.Find(&pairs).Error; err != nil {
		return nil, s.storageError(opListPairs, reasonQueryFailed, err)
	}
	return pairs, nil
}

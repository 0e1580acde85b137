package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/rank"
	"github.com/civicpulse/backend/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opReorder = "catalog.reorder"

	reasonInvalidNamespace = "invalid_namespace"
	reasonSelfReference    = "self_reference"
	reasonInvalidNeighbors = "invalid_neighbors"
	reasonMissingNeighbor  = "missing_neighbor"
)

// Reorder moves request.TargetID between its requested neighbors in ns.
//
// The neighbors' ranks are read in the same transaction that writes the target.
// When no rank fits between them the whole namespace is respread in that
// transaction and the target takes its slot in the new sequence. A target that
// already sits between the resolved neighbors is left untouched.
func (s *Service) Reorder(ctx context.Context, ns Namespace, request ReorderRequest) (ReorderResult, error) {
	if err := s.ensureDatabase(opReorder); err != nil {
		return ReorderResult{}, err
	}
	if ns.table() == "" {
		return ReorderResult{}, apperr.New(apperr.KindInvalidInput, opReorder, reasonInvalidNamespace, "unknown ordering namespace", nil)
	}
	targetID, err := normalizeID(opReorder, request.TargetID)
	if err != nil {
		return ReorderResult{}, err
	}
	beforeID, err := optionalID(request.BeforeID)
	if err != nil {
		return ReorderResult{}, err
	}
	afterID, err := optionalID(request.AfterID)
	if err != nil {
		return ReorderResult{}, err
	}
	if beforeID == targetID || afterID == targetID {
		return ReorderResult{}, apperr.New(apperr.KindInvalidInput, opReorder, reasonSelfReference, "an item cannot be placed next to itself", nil)
	}
	if beforeID != "" && beforeID == afterID {
		return ReorderResult{}, apperr.New(apperr.KindInvalidInput, opReorder, reasonInvalidNeighbors, "beforeId and afterId must differ", nil)
	}

	var result ReorderResult
	err = txn.Run(ctx, s.db, s.retryFor(opReorder), func(tx *gorm.DB) error {
		result = ReorderResult{ID: targetID}
		var target rankedRow
		if err := tx.Table(ns.table()).Select("id, sort_rank").Where(queryID, targetID).Take(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, opReorder, reasonNotFound, "item not found", nil)
			}
			return err
		}

		lower, upper, err := resolveNeighbors(tx, ns, target.ID, beforeID, afterID)
		if err != nil {
			return err
		}
		if (lower == "" || target.Rank > lower) && (upper == "" || target.Rank < upper) {
			result.Rank = target.Rank
			return nil
		}

		newRank, err := s.ranks.Between(lower, upper)
		if errors.Is(err, rank.ErrRebalanceRequired) {
			newRank, err = s.respreadAround(tx, ns, target.ID, lower)
			result.Rebalanced = err == nil
		}
		if err != nil {
			return err
		}

		update := tx.Table(ns.table()).Where(queryID, target.ID).Updates(map[string]interface{}{
			"sort_rank":    newRank,
			"updated_at_s": s.clock().UTC().Unix(),
		})
		if err := conflictOnDuplicate(update.Error); err != nil {
			return err
		}
		result.Rank = newRank
		result.Moved = true
		return nil
	})
	if err != nil {
		return ReorderResult{}, s.storageError(opReorder, reasonRankFailed, err)
	}
	if result.Rebalanced {
		s.metrics.IncRebalance(string(ns))
		s.loggerOrDefault().Info("rank namespace rebalanced",
			zap.String("namespace", string(ns)),
			zap.String("target_id", targetID))
	}
	return result, nil
}

// resolveNeighbors returns the exclusive bounds for the target. An empty bound is
// open. A missing before means "directly after the predecessor of after", a
// missing after means "directly before the successor of before", and both
// missing means the bottom of the list.
func resolveNeighbors(tx *gorm.DB, ns Namespace, targetID, beforeID, afterID string) (string, string, error) {
	var lower, upper string
	if beforeID != "" {
		value, err := neighborRank(tx, ns, beforeID)
		if err != nil {
			return "", "", err
		}
		lower = value
	}
	if afterID != "" {
		value, err := neighborRank(tx, ns, afterID)
		if err != nil {
			return "", "", err
		}
		upper = value
	}

	switch {
	case beforeID != "" && afterID != "":
		if lower >= upper {
			return "", "", apperr.New(apperr.KindInvalidInput, opReorder, reasonInvalidNeighbors, "beforeId must sort before afterId", nil)
		}
	case beforeID != "":
		value, err := adjacentRank(tx, ns, targetID, "sort_rank > ?", "sort_rank ASC", lower)
		if err != nil {
			return "", "", err
		}
		upper = value
	case afterID != "":
		value, err := adjacentRank(tx, ns, targetID, "sort_rank < ?", "sort_rank DESC", upper)
		if err != nil {
			return "", "", err
		}
		lower = value
	default:
		value, err := adjacentRank(tx, ns, targetID, "", "sort_rank DESC", nil)
		if err != nil {
			return "", "", err
		}
		lower = value
	}
	return lower, upper, nil
}

func neighborRank(tx *gorm.DB, ns Namespace, id string) (string, error) {
	var row rankedRow
	err := tx.Table(ns.table()).Select("id, sort_rank").Where(queryID, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperr.New(apperr.KindInvalidReference, opReorder, reasonMissingNeighbor, "neighbor item not found", nil)
	}
	if err != nil {
		return "", err
	}
	return row.Rank, nil
}

// adjacentRank returns the first rank matching condition in order, ignoring the
// target, or "" when there is none.
func adjacentRank(tx *gorm.DB, ns Namespace, targetID, condition, order string, bound interface{}) (string, error) {
	query := tx.Table(ns.table()).Select("id, sort_rank").Where("id <> ?", targetID)
	if bound != nil {
		query = query.Where(condition, bound)
	}
	var row rankedRow
	err := query.Order(order).Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Rank, nil
}

// respreadAround rewrites every rank in ns, leaving the target directly above
// lower, and returns the target's new rank.
func (s *Service) respreadAround(tx *gorm.DB, ns Namespace, targetID, lower string) (string, error) {
	others, err := loadOrdered(tx, ns, targetID)
	if err != nil {
		return "", err
	}
	position := 0
	if lower != "" {
		position = sort.Search(len(others), func(index int) bool {
			return others[index].Rank > lower
		})
	}
	rows := make([]rankedRow, 0, len(others)+1)
	rows = append(rows, others[:position]...)
	rows = append(rows, rankedRow{ID: targetID})
	rows = append(rows, others[position:]...)

	ranks, err := s.ranks.Spread(len(rows))
	if err != nil {
		return "", err
	}
	if err := writeRanks(tx, ns, rows, ranks); err != nil {
		return "", err
	}
	return ranks[position], nil
}

func optionalID(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return normalizeID(opReorder, raw)
}

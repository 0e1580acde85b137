package catalog

import (
	"errors"
	"fmt"

	"github.com/civicpulse/backend/internal/rank"
	"github.com/civicpulse/backend/internal/txn"
	"gorm.io/gorm"
)

// temporary ranks sort after every alphabet digit and are unique per row
const temporaryRankExpression = "'~' || id"

// appendRank returns a rank after the namespace's current maximum, rebalancing
// the namespace first when the maximum has run out of headroom.
func (s *Service) appendRank(tx *gorm.DB, ns Namespace) (string, error) {
	var last rankedRow
	err := tx.Table(ns.table()).Select("id, sort_rank").Order("sort_rank DESC").Limit(1).Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.ranks.After("")
	}
	if err != nil {
		return "", err
	}
	next, err := s.ranks.After(last.Rank)
	if !errors.Is(err, rank.ErrRebalanceRequired) {
		return next, err
	}

	rows, err := loadOrdered(tx, ns, "")
	if err != nil {
		return "", err
	}
	ranks, err := s.ranks.Spread(len(rows) + 1)
	if err != nil {
		return "", err
	}
	if err := writeRanks(tx, ns, rows, ranks[:len(rows)]); err != nil {
		return "", err
	}
	s.metrics.IncRebalance(string(ns))
	return ranks[len(rows)], nil
}

// loadOrdered returns every row of the namespace in rank order, skipping excludeID.
func loadOrdered(tx *gorm.DB, ns Namespace, excludeID string) ([]rankedRow, error) {
	query := tx.Table(ns.table()).Select("id, sort_rank").Order("sort_rank ASC")
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	rows := []rankedRow{}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// writeRanks assigns ranks[i] to rows[i]. Every row of the namespace is first moved
// to a temporary unique rank so the unique index never sees a transient collision.
// Only sort_rank changes; content and timestamps of the rows stay as they were.
func writeRanks(tx *gorm.DB, ns Namespace, rows []rankedRow, ranks []string) error {
	if len(rows) != len(ranks) {
		return fmt.Errorf("catalog: %d rows for %d ranks", len(rows), len(ranks))
	}
	if err := tx.Table(ns.table()).Where("1 = 1").Update("sort_rank", gorm.Expr(temporaryRankExpression)).Error; err != nil {
		return err
	}
	for index, row := range rows {
		if err := tx.Table(ns.table()).Where(queryID, row.ID).Update("sort_rank", ranks[index]).Error; err != nil {
			return err
		}
	}
	return nil
}

func conflictOnDuplicate(err error) error {
	if txn.IsDuplicate(err) {
		return fmt.Errorf("%w: %v", txn.ErrConflict, err)
	}
	return err
}

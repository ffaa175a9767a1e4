package store

import (
	"context"
	"strings"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionStore implements core.PositionRepository.
type PositionStore struct {
	db *gorm.DB
}

func NewPositionStore(db *gorm.DB) *PositionStore {
	return &PositionStore{db: db}
}

var nonTerminalGroupStatuses = []core.GroupStatus{
	core.GroupStatusLive,
	core.GroupStatusPartiallyFilled,
	core.GroupStatusActive,
	core.GroupStatusClosing,
}

// Create inserts the group. The active-key unique index rejects a second
// non-terminal group for the same tuple; that violation surfaces as a
// DuplicatePositionError.
func (s *PositionStore) Create(ctx context.Context, group *core.PositionGroup) error {
	if group.ActiveKey == nil && !group.Status.IsTerminal() {
		key := group.TupleKey()
		group.ActiveKey = &key
	}

	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(group).Error
	if err != nil && isUniqueViolation(err) {
		return &apperrors.DuplicatePositionError{
			UserID:    group.UserID,
			Exchange:  group.Exchange,
			Symbol:    group.Symbol,
			Timeframe: group.Timeframe,
			Side:      string(group.Side),
		}
	}
	return err
}

// Update persists the group. Moving to a terminal status clears ActiveKey so
// the tuple slot frees up atomically with the status change.
func (s *PositionStore) Update(ctx context.Context, group *core.PositionGroup) error {
	if group.Status.IsTerminal() {
		group.ActiveKey = nil
		if group.ClosedAt == nil {
			now := time.Now().UTC()
			group.ClosedAt = &now
		}
	}
	return s.db.WithContext(ctx).Omit(clause.Associations).
		Select("*").Omit("created_at").Save(group).Error
}

func (s *PositionStore) Get(ctx context.Context, id string) (*core.PositionGroup, error) {
	var group core.PositionGroup
	err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *PositionStore) GetWithOrders(ctx context.Context, id string) (*core.PositionGroup, error) {
	var group core.PositionGroup
	err := s.db.WithContext(ctx).
		Preload("Pyramids", func(db *gorm.DB) *gorm.DB {
			return db.Order("pyramid_index ASC")
		}).
		Preload("Orders", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, leg_index ASC")
		}).
		First(&group, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *PositionStore) GetActiveByUser(ctx context.Context, userID string) ([]*core.PositionGroup, error) {
	var groups []*core.PositionGroup
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, nonTerminalGroupStatuses).
		Order("created_at ASC").
		Find(&groups).Error
	return groups, err
}

func (s *PositionStore) GetClosedByUser(ctx context.Context, userID string) ([]*core.PositionGroup, error) {
	var groups []*core.PositionGroup
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID,
			[]core.GroupStatus{core.GroupStatusClosed, core.GroupStatusFailed}).
		Order("closed_at DESC").
		Find(&groups).Error
	return groups, err
}

func (s *PositionStore) CountActiveByTuple(ctx context.Context, userID, exchange, symbol, timeframe string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&core.PositionGroup{}).
		Where("user_id = ? AND exchange = ? AND symbol = ? AND timeframe = ? AND status IN ?",
			userID, exchange, symbol, timeframe, nonTerminalGroupStatuses).
		Count(&count).Error
	return count, err
}

// IncrementPyramidCount bumps pyramid_count and total_dca_legs in a single
// transaction and returns the new pyramid count, so concurrent signals for
// the same group cannot both observe the old count.
func (s *PositionStore) IncrementPyramidCount(ctx context.Context, groupID string, additionalLegs int) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&core.PositionGroup{}).
			Where("id = ?", groupID).
			Updates(map[string]interface{}{
				"pyramid_count":  gorm.Expr("pyramid_count + 1"),
				"total_dca_legs": gorm.Expr("total_dca_legs + ?", additionalLegs),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrPositionNotFound
		}
		return tx.Model(&core.PositionGroup{}).
			Where("id = ?", groupID).
			Select("pyramid_count").
			Scan(&count).Error
	})
	return count, err
}

// GetDailyRealizedPnL sums the realized PnL booked since UTC midnight: groups
// closed today in full, plus partial realizations still sitting on open
// groups updated today.
func (s *PositionStore) GetDailyRealizedPnL(ctx context.Context, userID string) (decimal.Decimal, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var groups []*core.PositionGroup
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("(closed_at >= ?) OR (closed_at IS NULL AND updated_at >= ?)", dayStart, dayStart).
		Find(&groups).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, g := range groups {
		total = total.Add(g.RealizedPnLUSD)
	}
	return total, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

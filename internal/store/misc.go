package store

import (
	"context"
	"time"

	"trade_engine/internal/core"

	"gorm.io/gorm"
)

// PyramidStore implements core.PyramidRepository.
type PyramidStore struct {
	db *gorm.DB
}

func NewPyramidStore(db *gorm.DB) *PyramidStore {
	return &PyramidStore{db: db}
}

func (s *PyramidStore) Create(ctx context.Context, pyramid *core.Pyramid) error {
	return s.db.WithContext(ctx).Create(pyramid).Error
}

func (s *PyramidStore) Update(ctx context.Context, pyramid *core.Pyramid) error {
	return s.db.WithContext(ctx).Select("*").Omit("created_at").Save(pyramid).Error
}

func (s *PyramidStore) GetByGroup(ctx context.Context, groupID string) ([]*core.Pyramid, error) {
	var pyramids []*core.Pyramid
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("pyramid_index ASC").
		Find(&pyramids).Error
	return pyramids, err
}

func (s *PyramidStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&core.Pyramid{}, "id = ?", id).Error
}

// SignalStore implements core.SignalRepository.
type SignalStore struct {
	db *gorm.DB
}

func NewSignalStore(db *gorm.DB) *SignalStore {
	return &SignalStore{db: db}
}

func (s *SignalStore) Enqueue(ctx context.Context, signal *core.QueuedSignal) error {
	if signal.QueuedAt.IsZero() {
		signal.QueuedAt = time.Now().UTC()
	}
	if signal.Status == "" {
		signal.Status = core.SignalStatusQueued
	}
	return s.db.WithContext(ctx).Create(signal).Error
}

func (s *SignalStore) Update(ctx context.Context, signal *core.QueuedSignal) error {
	return s.db.WithContext(ctx).Select("*").Save(signal).Error
}

func (s *SignalStore) GetQueuedByUser(ctx context.Context, userID string) ([]*core.QueuedSignal, error) {
	var signals []*core.QueuedSignal
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, core.SignalStatusQueued).
		Order("queued_at ASC").
		Find(&signals).Error
	return signals, err
}

// RiskActionStore implements core.RiskActionRepository. Records are
// append-only; there is no update path.
type RiskActionStore struct {
	db *gorm.DB
}

func NewRiskActionStore(db *gorm.DB) *RiskActionStore {
	return &RiskActionStore{db: db}
}

func (s *RiskActionStore) Create(ctx context.Context, action *core.RiskAction) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(action).Error
}

func (s *RiskActionStore) GetByUser(ctx context.Context, userID string, limit int) ([]*core.RiskAction, error) {
	if limit <= 0 {
		limit = 50
	}
	var actions []*core.RiskAction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}

// UserStore implements core.UserRepository.
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Get(ctx context.Context, id string) (*core.User, error) {
	var user core.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) GetActive(ctx context.Context) ([]*core.User, error) {
	var users []*core.User
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

func (s *UserStore) Update(ctx context.Context, user *core.User) error {
	return s.db.WithContext(ctx).Select("*").Omit("created_at").Save(user).Error
}

// Save upserts a user, for bootstrap seeding from config.
func (s *UserStore) Save(ctx context.Context, user *core.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

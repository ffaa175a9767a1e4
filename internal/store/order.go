package store

import (
	"context"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"

	"gorm.io/gorm"
)

// OrderStore implements core.OrderRepository.
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) Create(ctx context.Context, order *core.DCAOrder) error {
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *OrderStore) CreateBatch(ctx context.Context, orders []*core.DCAOrder) error {
	if len(orders) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&orders).Error
}

func (s *OrderStore) Update(ctx context.Context, order *core.DCAOrder) error {
	return s.db.WithContext(ctx).Select("*").Omit("created_at").Save(order).Error
}

func (s *OrderStore) Get(ctx context.Context, id string) (*core.DCAOrder, error) {
	var order core.DCAOrder
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *OrderStore) GetByGroup(ctx context.Context, groupID string) ([]*core.DCAOrder, error) {
	var orders []*core.DCAOrder
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC, leg_index ASC").
		Find(&orders).Error
	return orders, err
}

// GetAllOpenForAllUsers returns every order the fill monitor must watch,
// grouped by user: submitted orders still working on the exchange plus
// trigger-pending market legs awaiting their price cross.
func (s *OrderStore) GetAllOpenForAllUsers(ctx context.Context) (map[string][]*core.DCAOrder, error) {
	var orders []*core.DCAOrder
	err := s.db.WithContext(ctx).
		Where("status IN ?", []core.OrderStatus{
			core.OrderStatusOpen,
			core.OrderStatusPartiallyFilled,
			core.OrderStatusTriggerPending,
		}).
		Order("user_id ASC, created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}

	byUser := make(map[string][]*core.DCAOrder)
	for _, o := range orders {
		byUser[o.UserID] = append(byUser[o.UserID], o)
	}
	return byUser, nil
}

package sales

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/salesflow/internal/shared"
)

// CreateItem adds an active catalogue item. Codes are unique regardless of
// case.
func (s *Service) CreateItem(ctx context.Context, actor shared.Actor, in CreateItemInput) (*Item, error) {
	if err := s.authorize(actor, shared.PermItemManage); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if err := checkBasePrice(in.BasePrice); err != nil {
		return nil, err
	}
	now := s.now()
	item := &Item{
		ID:          s.newID(),
		Code:        NormalizeItemCode(in.Code),
		Name:        in.Name,
		Description: in.Description,
		Unit:        in.Unit,
		BasePrice:   in.BasePrice,
		IsActive:    true,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return item, nil
}

func checkBasePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: base_price must not be negative", ErrValidation)
	}
	return nil
}

// checkItemPatch rejects set fields that would blank a required column.
func checkItemPatch(in UpdateItemInput) error {
	for field, value := range map[string]*string{"name": in.Name, "description": in.Description, "unit": in.Unit} {
		if value != nil && strings.TrimSpace(*value) == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrValidation, field)
		}
	}
	if in.BasePrice != nil {
		return checkBasePrice(*in.BasePrice)
	}
	return nil
}

// activeItem loads an item, hiding deactivated ones.
func activeItem(ctx context.Context, repo Repository, id uuid.UUID) (*Item, error) {
	item, err := repo.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return item, nil
}

// GetItem returns one active item.
func (s *Service) GetItem(ctx context.Context, actor shared.Actor, id uuid.UUID) (*Item, error) {
	if err := s.authorize(actor, shared.PermItemView); err != nil {
		return nil, err
	}
	return activeItem(ctx, s.repo, id)
}

// ListItems returns one page of active items ordered by name.
func (s *Service) ListItems(ctx context.Context, actor shared.Actor, in ListItemsInput) ([]Item, shared.Pagination, error) {
	if err := s.authorize(actor, shared.PermItemView); err != nil {
		return nil, shared.Pagination{}, err
	}
	if err := s.check(in); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(in.Page, in.PerPage, 0)
	items, total, err := s.repo.ListItems(ctx, ItemFilter{Limit: page.PerPage, Offset: page.Offset()})
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list items: %w", err)
	}
	return items, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// UpdateItem patches an active item. Lines already quoted keep the values
// they were priced with.
func (s *Service) UpdateItem(ctx context.Context, actor shared.Actor, id uuid.UUID, in UpdateItemInput) (*Item, error) {
	if err := s.authorize(actor, shared.PermItemManage); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if err := checkItemPatch(in); err != nil {
		return nil, err
	}
	var item *Item
	err := s.retry(ctx, "update item", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			var err error
			if item, err = activeItem(ctx, tx, id); err != nil {
				return err
			}
			if in.Name != nil {
				item.Name = *in.Name
			}
			if in.Description != nil {
				item.Description = *in.Description
			}
			if in.Unit != nil {
				item.Unit = *in.Unit
			}
			if in.BasePrice != nil {
				item.BasePrice = *in.BasePrice
			}
			item.UpdatedAt = s.now()
			return tx.UpdateItem(ctx, item)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	return item, nil
}

// DeleteItem deactivates an item. New leads and quotations can no longer
// reference it.
func (s *Service) DeleteItem(ctx context.Context, actor shared.Actor, id uuid.UUID) error {
	if err := s.authorize(actor, shared.PermItemDelete); err != nil {
		return err
	}
	err := s.retry(ctx, "delete item", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			item, err := activeItem(ctx, tx, id)
			if err != nil {
				return err
			}
			item.IsActive = false
			item.UpdatedAt = s.now()
			return tx.UpdateItem(ctx, item)
		})
	})
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// resolveItems maps each code to its active catalogue item. Unknown or
// deactivated codes fail validation.
func resolveItems(ctx context.Context, tx Repository, codes []string) (map[string]Item, error) {
	wanted := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		code = NormalizeItemCode(code)
		if !seen[code] {
			seen[code] = true
			wanted = append(wanted, code)
		}
	}
	found, err := tx.FindItemsByCode(ctx, wanted)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]Item, len(found))
	for _, item := range found {
		if item.IsActive {
			byCode[item.Code] = item
		}
	}
	for i, code := range codes {
		if _, ok := byCode[NormalizeItemCode(code)]; !ok {
			return nil, fmt.Errorf("%w: items[%d]: unknown item %q", ErrValidation, i, code)
		}
	}
	return byCode, nil
}

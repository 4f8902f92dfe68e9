package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/salesflow/internal/sales/pipeline"
	"github.com/odyssey-erp/salesflow/internal/shared"
	"github.com/odyssey-erp/salesflow/internal/users"
)

const (
	topSalesPersonLimit = 5
	recentOrderLimit    = 10
)

// salesPersonScope forces STAFF onto their own figures; managers may narrow
// to any sales person or see everyone.
func salesPersonScope(actor shared.Actor, requested *uuid.UUID) *uuid.UUID {
	if actor.Can(shared.PermLeadViewAll) {
		return requested
	}
	id := actor.ID
	return &id
}

func totalsByStatus(rows []OrderTotal) map[pipeline.OrderStatus]StatusTotal {
	out := make(map[pipeline.OrderStatus]StatusTotal)
	for _, row := range rows {
		t := out[row.Status]
		t.Count += row.Count
		t.TotalAmount = t.TotalAmount.Add(row.TotalAmount)
		out[row.Status] = t
	}
	return out
}

// SalesMetrics summarises the orders created in the period. The ranking of
// sales persons is only computed across everyone's orders.
func (s *Service) SalesMetrics(ctx context.Context, actor shared.Actor, in MetricsInput) (*SalesMetrics, error) {
	if err := s.authorize(actor, shared.PermDashboardView); err != nil {
		return nil, err
	}
	if err := checkRange(in.From, in.To); err != nil {
		return nil, err
	}
	salesPerson := salesPersonScope(actor, in.SalesPersonID)
	rows, err := s.repo.OrderTotals(ctx, OrderFilter{SalesPersonID: salesPerson, From: in.From, To: in.To})
	if err != nil {
		return nil, fmt.Errorf("sales metrics: %w", err)
	}

	metrics := &SalesMetrics{
		TotalRevenue:      decimal.Zero,
		AverageOrderValue: decimal.Zero,
		ByStatus:          totalsByStatus(rows),
		TopSalesPersons:   []SalesPersonRevenue{},
	}
	perPerson := make(map[uuid.UUID]*SalesPersonRevenue)
	for _, row := range rows {
		metrics.TotalOrders += row.Count
		metrics.TotalRevenue = metrics.TotalRevenue.Add(row.TotalAmount)
		p, ok := perPerson[row.SalesPersonID]
		if !ok {
			p = &SalesPersonRevenue{SalesPersonID: row.SalesPersonID}
			perPerson[row.SalesPersonID] = p
		}
		p.TotalOrders += row.Count
		p.TotalRevenue = p.TotalRevenue.Add(row.TotalAmount)
	}
	if metrics.TotalOrders > 0 {
		metrics.AverageOrderValue = metrics.TotalRevenue.Div(decimal.NewFromInt(int64(metrics.TotalOrders))).Round(2)
	}
	if salesPerson == nil {
		if metrics.TopSalesPersons, err = s.rankSalesPersons(ctx, perPerson); err != nil {
			return nil, fmt.Errorf("sales metrics: %w", err)
		}
	}
	return metrics, nil
}

// rankSalesPersons orders sales persons by revenue and keeps the first five
// that still exist in the directory.
func (s *Service) rankSalesPersons(ctx context.Context, perPerson map[uuid.UUID]*SalesPersonRevenue) ([]SalesPersonRevenue, error) {
	ranked := make([]SalesPersonRevenue, 0, len(perPerson))
	for _, p := range perPerson {
		ranked = append(ranked, *p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if c := ranked[i].TotalRevenue.Cmp(ranked[j].TotalRevenue); c != 0 {
			return c > 0
		}
		return ranked[i].SalesPersonID.String() < ranked[j].SalesPersonID.String()
	})

	out := make([]SalesPersonRevenue, 0, topSalesPersonLimit)
	for _, p := range ranked {
		if len(out) == topSalesPersonLimit {
			break
		}
		if s.users != nil {
			user, err := s.users.GetUser(ctx, p.SalesPersonID)
			if errors.Is(err, users.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			p.Name, p.Email = user.Name, user.Email
		}
		out = append(out, p)
	}
	return out, nil
}

// OrderDashboard returns the order pipeline by status, the ten newest orders
// and how many orders still wait for a purchase order.
func (s *Service) OrderDashboard(ctx context.Context, actor shared.Actor, salesPersonID *uuid.UUID) (*OrderDashboard, error) {
	if err := s.authorize(actor, shared.PermDashboardView); err != nil {
		return nil, err
	}
	filter := OrderFilter{SalesPersonID: salesPersonScope(actor, salesPersonID)}

	var (
		rows   []OrderTotal
		recent []Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = s.repo.OrderTotals(gctx, filter)
		return err
	})
	g.Go(func() error {
		page := filter
		page.Limit = recentOrderLimit
		var err error
		recent, _, err = s.repo.ListOrders(gctx, page)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("order dashboard: %w", err)
	}

	dashboard := &OrderDashboard{Pipeline: totalsByStatus(rows), RecentOrders: recent}
	if dashboard.RecentOrders == nil {
		dashboard.RecentOrders = []Order{}
	}
	dashboard.PendingPO = dashboard.Pipeline[pipeline.OrderCreated].Count + dashboard.Pipeline[pipeline.OrderPOPending].Count
	return dashboard, nil
}

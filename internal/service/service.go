package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/ledger"
	"gudangku/backend/internal/report"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/xid"
)

const (
	defaultAdjustmentLimit = 50
	maxAdjustmentLimit     = 500
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	reconciler *ledger.Reconciler
	aggregator *report.Aggregator
	logger     *zap.Logger
	now        func() time.Time
}

func New(repo store.Repository, reconciler *ledger.Reconciler, aggregator *report.Aggregator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		reconciler: reconciler,
		aggregator: aggregator,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateItem(ctx context.Context, shopID string, req domain.ItemCreateRequest) (domain.Item, error) {
	actor, err := authorize(ctx, shopID, domain.RoleAdmin, domain.RoleOwner)
	if err != nil {
		return domain.Item{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" || req.Name == "" {
		return domain.Item{}, domain.ValidationError("sku and name are required")
	}
	if req.Price.IsNegative() {
		return domain.Item{}, domain.ValidationError("price must be >= 0")
	}
	if req.InitialStock < 0 || req.MinStockLevel < 0 {
		return domain.Item{}, domain.ValidationError("initial_stock and min_stock_level must be >= 0")
	}

	now := s.now()
	created, err := s.repo.CreateItem(ctx, domain.Item{
		ID:               xid.New("itm"),
		ShopID:           shopID,
		SKU:              req.SKU,
		Name:             req.Name,
		Price:            req.Price.Round(2),
		StockQuantity:    req.InitialStock,
		BaselineQuantity: req.InitialStock,
		MinStockLevel:    req.MinStockLevel,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.logger.Info("item created",
		zap.String("shop_id", shopID),
		zap.String("item_id", created.ID),
		zap.String("sku", created.SKU),
		zap.Int("baseline", created.BaselineQuantity),
		zap.String("user_id", actor.UserID),
	)
	return *created, nil
}

func (s *Service) GetItem(ctx context.Context, shopID string, itemID string) (domain.Item, error) {
	if _, err := authorize(ctx, shopID); err != nil {
		return domain.Item{}, err
	}
	item, err := s.repo.GetItem(ctx, shopID, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) ListItems(ctx context.Context, shopID string, lowStockOnly bool) ([]domain.Item, error) {
	if _, err := authorize(ctx, shopID); err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, shopID, lowStockOnly)
}

// UpdateItem is the item edit form: stock_quantity is an absolute value and
// the difference is booked to the ledger as an edit adjustment.
func (s *Service) UpdateItem(ctx context.Context, shopID string, itemID string, req domain.ItemUpdateRequest) (domain.AdjustmentResponse, error) {
	actor, err := authorize(ctx, shopID, domain.RoleAdmin, domain.RoleOwner)
	if err != nil {
		return domain.AdjustmentResponse{}, err
	}
	if req.SKU != nil {
		sku := strings.ToUpper(strings.TrimSpace(*req.SKU))
		req.SKU = &sku
	}

	resp, err := s.reconciler.ApplyAbsoluteQuantity(ctx, domain.AbsoluteQuantityRequest{
		ShopID:        shopID,
		ItemID:        itemID,
		UserID:        actor.UserID,
		NewQuantity:   req.StockQuantity,
		Reason:        req.Reason,
		SKU:           req.SKU,
		Name:          req.Name,
		Price:         req.Price,
		MinStockLevel: req.MinStockLevel,
	})
	if err != nil {
		return domain.AdjustmentResponse{}, err
	}
	return *resp, nil
}

func (s *Service) RetireItem(ctx context.Context, shopID string, itemID string) error {
	actor, err := authorize(ctx, shopID, domain.RoleAdmin, domain.RoleOwner)
	if err != nil {
		return err
	}
	if err := s.repo.RetireItem(ctx, shopID, itemID, s.now()); err != nil {
		return err
	}
	s.logger.Info("item retired",
		zap.String("shop_id", shopID),
		zap.String("item_id", itemID),
		zap.String("user_id", actor.UserID),
	)
	return nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustmentRequest) (domain.AdjustmentResponse, error) {
	actor, err := authorize(ctx, req.ShopID)
	if err != nil {
		return domain.AdjustmentResponse{}, err
	}
	if req.Force && actor.Role == domain.RoleStaff {
		return domain.AdjustmentResponse{}, domain.ForbiddenError("forcing negative stock requires owner or admin role")
	}
	req.UserID = actor.UserID

	resp, err := s.reconciler.ApplyAdjustment(ctx, req)
	if err != nil {
		return domain.AdjustmentResponse{}, err
	}
	return *resp, nil
}

func (s *Service) ListAdjustments(ctx context.Context, shopID string, itemID string, limit int) (domain.AdjustmentListResponse, error) {
	if _, err := authorize(ctx, shopID); err != nil {
		return domain.AdjustmentListResponse{}, err
	}
	if limit < 1 {
		limit = defaultAdjustmentLimit
	}
	if limit > maxAdjustmentLimit {
		limit = maxAdjustmentLimit
	}
	if _, err := s.repo.GetItem(ctx, shopID, itemID); err != nil {
		return domain.AdjustmentListResponse{}, err
	}

	adjustments, err := s.repo.ListAdjustments(ctx, itemID, limit)
	if err != nil {
		return domain.AdjustmentListResponse{}, err
	}
	return domain.AdjustmentListResponse{ItemID: itemID, Adjustments: adjustments}, nil
}

func (s *Service) ReconcileItem(ctx context.Context, shopID string, itemID string) (domain.Reconciliation, error) {
	if _, err := authorize(ctx, shopID); err != nil {
		return domain.Reconciliation{}, err
	}
	result, err := s.reconciler.Reconcile(ctx, shopID, itemID)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	return *result, nil
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := authorize(ctx, req.ShopID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	req.UserID = actor.UserID

	resp, err := s.reconciler.RecordSale(ctx, req)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return *resp, nil
}

// SalesTrend builds the daily series for the last days days. An empty tz
// uses the configured report zone.
func (s *Service) SalesTrend(ctx context.Context, shopID string, days int, tz string) (domain.TrendReport, error) {
	if _, err := authorize(ctx, shopID); err != nil {
		return domain.TrendReport{}, err
	}

	var loc *time.Location
	if tz = strings.TrimSpace(tz); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return domain.TrendReport{}, domain.ValidationError("unknown time zone %q", tz)
		}
		loc = parsed
	}

	trend, err := s.aggregator.ComputeTrend(ctx, domain.TrendRequest{ShopID: shopID, Days: days, Location: loc})
	if err != nil {
		return domain.TrendReport{}, err
	}
	return *trend, nil
}

// authorize resolves the caller and checks shop membership. With roles
// given, the caller must also hold one of them.
func authorize(ctx context.Context, shopID string, roles ...string) (domain.Actor, error) {
	if strings.TrimSpace(shopID) == "" {
		return domain.Actor{}, domain.ValidationError("shop_id is required")
	}
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, domain.ForbiddenError("authenticated actor required")
	}
	if !actor.CanAccessShop(shopID) {
		return domain.Actor{}, domain.ForbiddenError("no access to shop %s", shopID)
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, domain.ForbiddenError("%s role required", strings.Join(roles, " or "))
}

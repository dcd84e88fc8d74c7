package dashboard

import (
	"context"
	"sort"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/widget"

	"go.uber.org/zap"
)

// View 一次仪表盘渲染的结果
type View struct {
	DashboardType string          `json:"dashboard_type"`
	GatewayID     *int64          `json:"gateway_id,omitempty"`
	UserID        int64           `json:"user_id"`
	Widgets       []widget.Result `json:"widgets"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// ClearResult 清缓存结果
type ClearResult struct {
	Cleared []string          `json:"cleared"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Service 仪表盘服务
type Service struct {
	factory  *Factory
	resolver *permission.Resolver
	logger   *zap.Logger
}

// NewService 创建仪表盘服务
func NewService(factory *Factory, resolver *permission.Resolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{factory: factory, resolver: resolver, logger: logger}
}

func validDashboard(dashboardType string, gatewayID *int64) error {
	switch dashboardType {
	case domain.DashboardGlobal:
		return nil
	case domain.DashboardGateway:
		if gatewayID == nil {
			return failure.New(failure.KindValidation, "dashboard.Render", "gateway dashboard requires gateway_id")
		}
		return nil
	default:
		return failure.Newf(failure.KindValidation, "dashboard.Render", "unknown dashboard type %q", dashboardType)
	}
}

// Render 渲染用户有权访问的全部 widget，按优先级排序；单个 widget 失败不影响其它 widget
func (s *Service) Render(ctx context.Context, user *domain.User, dashboardType string, gatewayID *int64) (*View, error) {
	if err := validDashboard(dashboardType, gatewayID); err != nil {
		return nil, err
	}
	types, err := s.resolver.AuthorizedWidgets(ctx, user, dashboardType, gatewayID)
	if err != nil {
		return nil, err
	}

	view := &View{
		DashboardType: dashboardType,
		GatewayID:     gatewayID,
		UserID:        user.ID,
		Widgets:       make([]widget.Result, 0, len(types)),
		GeneratedAt:   s.factory.Base().Now(),
	}
	cfg := widget.Config{GatewayID: gatewayID}
	for _, t := range types {
		inst, err := s.factory.Create(user, t, cfg)
		if err != nil {
			s.logger.Warn("Failed to create widget",
				zap.String("widget_type", t),
				zap.Int64("user_id", user.ID),
				zap.Error(err),
			)
			view.Widgets = append(view.Widgets, s.errorResult(t, user, gatewayID, err))
			continue
		}
		view.Widgets = append(view.Widgets, inst.RenderAny(ctx))
	}
	sort.SliceStable(view.Widgets, func(i, j int) bool { return view.Widgets[i].Priority < view.Widgets[j].Priority })

	s.logger.Debug("Dashboard rendered",
		zap.String("dashboard_type", dashboardType),
		zap.Int64("user_id", user.ID),
		zap.Int("widgets", len(view.Widgets)),
	)
	return view, nil
}

func (s *Service) errorResult(widgetType string, user *domain.User, gatewayID *int64, err error) widget.Result {
	kind := failure.KindOf(err)
	now := s.factory.Base().Now()
	r := widget.Result{
		Status:     widget.StatusError,
		WidgetType: widgetType,
		Metadata: widget.Metadata{
			UserID:         user.ID,
			GatewayID:      gatewayID,
			GeneratedAt:    now,
			RetryAvailable: failure.PolicyFor(kind).Retryable,
			ErrorKind:      kind,
			ErrorCode:      failure.ErrorCode(kind, widgetType, now),
			Message:        failure.UserMessage(kind),
		},
	}
	if meta, ok := s.factory.Meta(widgetType); ok {
		r.WidgetName = meta.Name
		r.Priority = meta.Priority
	}
	return r
}

// RenderWidget 渲染单个 widget；noCache 时跳过缓存
func (s *Service) RenderWidget(ctx context.Context, user *domain.User, widgetType string, cfg widget.Config, noCache bool) (widget.Result, error) {
	inst, err := s.factory.Create(user, widgetType, cfg)
	if err != nil {
		return widget.Result{}, err
	}
	if noCache {
		inst.DisableCache()
	}
	return inst.RenderAny(ctx), nil
}

// ClearCache 清除指定 widget 的缓存；types 为空时按 gateway_id 选择全局或网关 widget
func (s *Service) ClearCache(ctx context.Context, user *domain.User, types []string, cfg widget.Config) (*ClearResult, error) {
	if len(types) == 0 {
		types = domain.GlobalWidgetTypes
		if cfg.GatewayID != nil {
			types = domain.GatewayWidgetTypes
		}
	}
	out := &ClearResult{Cleared: []string{}, Failed: map[string]string{}}
	for _, t := range types {
		inst, err := s.factory.Create(user, t, cfg)
		if err != nil {
			out.Failed[t] = err.Error()
			continue
		}
		if err := inst.ClearCache(ctx); err != nil {
			s.logger.Warn("Failed to clear widget cache",
				zap.String("widget_type", t),
				zap.String("key", inst.CacheKey()),
				zap.Error(err),
			)
			out.Failed[t] = err.Error()
			continue
		}
		out.Cleared = append(out.Cleared, t)
	}
	if len(out.Failed) == 0 {
		out.Failed = nil
	}
	return out, nil
}

// AvailableWidgets 用户在该仪表盘可见的 widget 元信息，按优先级排序
func (s *Service) AvailableWidgets(ctx context.Context, user *domain.User, dashboardType string, gatewayID *int64) ([]widget.Meta, error) {
	if err := validDashboard(dashboardType, gatewayID); err != nil {
		return nil, err
	}
	types, err := s.resolver.AuthorizedWidgets(ctx, user, dashboardType, gatewayID)
	if err != nil {
		return nil, err
	}
	out := make([]widget.Meta, 0, len(types))
	for _, t := range types {
		if meta, ok := s.factory.Meta(t); ok {
			out = append(out, meta)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

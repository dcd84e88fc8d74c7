// Package httpapi 对外 JSON API（gorilla/mux）。
//
// 请求方身份由 X-User-Id 头给出，并通过仓库加载；未知用户返回 401。
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"energy-monitor/internal/consumer"
	"energy-monitor/internal/dashboard"
	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/ingest"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/rtu"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Deps 处理器依赖
type Deps struct {
	Repos     repository.Set
	Resolver  *permission.Resolver
	Factory   *dashboard.Factory
	Dashboard *dashboard.Service
	RTU       *rtu.DataService
	Alerts    *rtu.AlertService
	Ingestor  *ingest.Ingestor
	Events    consumer.Publisher
}

// Handler 全部 API 处理器
type Handler struct {
	Deps
	logger *zap.Logger
	clock  func() time.Time
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: deps, logger: logger}
}

// WithClock 测试注入时钟
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.clock = now
	return h
}

// NewRouter 注册全部路由
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestID, h.accessLog)

	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.authenticate)

	// dashboard；固定路径需先于 {type} 注册
	api.HandleFunc("/dashboard/widgets", h.RenderDashboard).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/widgets/available", h.AvailableWidgets).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/widgets/cache/clear", h.ClearWidgetCache).Methods(http.MethodPost)
	api.HandleFunc("/dashboard/widgets/top-consuming-gateways/export", h.ExportTopConsuming).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/widgets/gateway-alerts/export", h.ExportGatewayAlerts).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/widgets/{type}", h.RenderWidget).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/gateways", h.AuthorizedGateways).Methods(http.MethodGet)

	// rtu
	api.HandleFunc("/rtu/gateways/{id:[0-9]+}/status", h.RTUStatus).Methods(http.MethodGet)
	api.HandleFunc("/rtu/gateways/{id:[0-9]+}/trends", h.RTUTrends).Methods(http.MethodGet)
	api.HandleFunc("/rtu/gateways/{id:[0-9]+}/alerts/filter", h.RTUFilterAlerts).Methods(http.MethodPost)
	api.HandleFunc("/rtu/gateways/{id:[0-9]+}/alerts/export", h.RTUExportAlerts).Methods(http.MethodGet)
	api.HandleFunc("/rtu/gateways/{id:[0-9]+}/outputs/{output}", h.RTUSetOutput).Methods(http.MethodPost)
	api.HandleFunc("/rtu/alerts/resolve", h.RTUResolveAlerts).Methods(http.MethodPost)

	api.HandleFunc("/readings", h.StoreReading).Methods(http.MethodPost)
	api.HandleFunc("/users/{id:[0-9]+}/assignments", h.ReplaceAssignments).Methods(http.MethodPut)
	api.HandleFunc("/permissions/check", h.CheckPermission).Methods(http.MethodGet)

	return r
}

type ctxKey int

const (
	userKey ctxKey = iota
	requestIDKey
)

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", id),
		)
	})
}

// authenticate 加载 X-User-Id 对应的用户
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-Id")
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil {
			h.writeError(w, r, "authenticate", failure.New(failure.KindAuthentication, "http.authenticate", "missing or invalid X-User-Id"))
			return
		}
		user, err := h.Repos.Users.GetUser(r.Context(), id)
		if err != nil {
			if failure.Is(err, failure.KindNotFound) {
				err = failure.Newf(failure.KindAuthentication, "http.authenticate", "unknown user %d", id)
			}
			h.writeError(w, r, "authenticate", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func currentUser(r *http.Request) *domain.User {
	u, _ := r.Context().Value(userKey).(*domain.User)
	return u
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok", "time": h.now().UTC()}))
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, failure.Newf(failure.KindValidation, "http.pathID", "invalid %s %q", name, raw)
	}
	return id, nil
}

func optionalID(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, failure.Newf(failure.KindValidation, "http.optionalID", "invalid %s %q", name, raw)
	}
	return &id, nil
}

// authorizedGateway 加载网关并校验访问权限
func (h *Handler) authorizedGateway(r *http.Request) (*domain.Gateway, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	ok, err := h.Resolver.CanAccessGateway(r.Context(), currentUser(r), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failure.Newf(failure.KindAuthorization, "http.authorizedGateway", "access to gateway %d denied", id)
	}
	return h.Repos.Gateways.GetGateway(r.Context(), id)
}

// visibleDeviceIDs 当前用户在该网关下可见的设备（直接分配 ∪ 经网关分配）
func (h *Handler) visibleDeviceIDs(r *http.Request, gw *domain.Gateway) ([]int64, error) {
	devices, err := h.Resolver.AuthorizedDevices(r.Context(), currentUser(r), &gw.ID)
	if err != nil {
		return nil, err
	}
	return domain.DeviceIDs(devices), nil
}

package httpapi

import (
	"net/http"
	"strings"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/report"
	"energy-monitor/internal/widget"

	"github.com/gorilla/mux"
)

func dashboardQuery(r *http.Request) (string, *int64, error) {
	q := r.URL.Query()
	dashboardType := q.Get("dashboard")
	if dashboardType == "" {
		dashboardType = domain.DashboardGlobal
	}
	gatewayID, err := optionalID(q.Get("gateway_id"), "gateway_id")
	return dashboardType, gatewayID, err
}

// RenderDashboard GET /api/dashboard/widgets
func (h *Handler) RenderDashboard(w http.ResponseWriter, r *http.Request) {
	dashboardType, gatewayID, err := dashboardQuery(r)
	if err != nil {
		h.writeError(w, r, "dashboard", err)
		return
	}
	view, err := h.Dashboard.Render(r.Context(), currentUser(r), dashboardType, gatewayID)
	if err != nil {
		h.writeError(w, r, "dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(view))
}

// AvailableWidgets GET /api/dashboard/widgets/available
func (h *Handler) AvailableWidgets(w http.ResponseWriter, r *http.Request) {
	dashboardType, gatewayID, err := dashboardQuery(r)
	if err != nil {
		h.writeError(w, r, "available_widgets", err)
		return
	}
	metas, err := h.Dashboard.AvailableWidgets(r.Context(), currentUser(r), dashboardType, gatewayID)
	if err != nil {
		h.writeError(w, r, "available_widgets", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"dashboard_type": dashboardType,
		"widgets":        metas,
	}))
}

// RenderWidget GET /api/dashboard/widgets/{type}
func (h *Handler) RenderWidget(w http.ResponseWriter, r *http.Request) {
	widgetType := mux.Vars(r)["type"]
	cfg, err := widget.ParseConfig(r.URL.Query())
	if err != nil {
		h.writeError(w, r, widgetType, err)
		return
	}
	noCache := r.URL.Query().Get("nocache") == "1"
	res, err := h.Dashboard.RenderWidget(r.Context(), currentUser(r), widgetType, cfg, noCache)
	if err != nil {
		h.writeError(w, r, widgetType, err)
		return
	}
	switch res.Status {
	case widget.StatusUnauthorized:
		writeJSON(w, http.StatusForbidden, Result[widget.Result]{Code: ResultError, Type: "error", Message: "access denied", Result: res})
	case widget.StatusError:
		// 降级数据照常返回，由 metadata 说明错误
		writeJSON(w, http.StatusOK, Result[widget.Result]{Code: ResultSuccess, Type: "warning", Message: res.Metadata.Message, Result: res})
	default:
		writeJSON(w, http.StatusOK, Ok(res))
	}
}

type clearCacheRequest struct {
	WidgetTypes []string `json:"widget_types"`
	GatewayID   *int64   `json:"gateway_id"`
}

// ClearWidgetCache POST /api/dashboard/widgets/cache/clear
func (h *Handler) ClearWidgetCache(w http.ResponseWriter, r *http.Request) {
	var req clearCacheRequest
	if err := readOptionalBodyJSON(r, &req); err != nil {
		h.writeError(w, r, "cache_clear", err)
		return
	}
	out, err := h.Dashboard.ClearCache(r.Context(), currentUser(r), req.WidgetTypes, widget.Config{GatewayID: req.GatewayID})
	if err != nil {
		h.writeError(w, r, "cache_clear", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// ExportTopConsuming GET /api/dashboard/widgets/top-consuming-gateways/export
func (h *Handler) ExportTopConsuming(w http.ResponseWriter, r *http.Request) {
	const op = "top_consuming_export"
	cfg, err := widget.ParseConfig(r.URL.Query())
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	inst, err := h.Factory.TopConsuming(currentUser(r), cfg)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	env := inst.Render(r.Context())
	if err := exportable(env.Status, env.Data != nil); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	data, err := report.TopConsumingWorkbook(env.Data)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	writeAttachment(w, report.ContentType, report.FileName("top_consuming_gateways", h.now()), data)
}

// ExportGatewayAlerts GET /api/dashboard/widgets/gateway-alerts/export?gateway_id=
func (h *Handler) ExportGatewayAlerts(w http.ResponseWriter, r *http.Request) {
	const op = "gateway_alerts_export"
	cfg, err := widget.ParseConfig(r.URL.Query())
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	inst, err := h.Factory.GatewayAlerts(currentUser(r), cfg)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	env := inst.Render(r.Context())
	if err := exportable(env.Status, env.Data != nil); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	data, err := report.GatewayAlertsWorkbook(env.Data)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	writeAttachment(w, report.ContentType, report.FileName("gateway_alerts", h.now()), data)
}

func exportable(status string, hasData bool) error {
	switch {
	case status == widget.StatusUnauthorized:
		return failure.New(failure.KindAuthorization, "http.export", "access denied")
	case status != widget.StatusSuccess || !hasData:
		return failure.New(failure.KindUnknown, "http.export", "widget data unavailable")
	}
	return nil
}

// AuthorizedGateways GET /api/dashboard/gateways
func (h *Handler) AuthorizedGateways(w http.ResponseWriter, r *http.Request) {
	gws, err := h.Resolver.AuthorizedGateways(r.Context(), currentUser(r))
	if err != nil {
		h.writeError(w, r, "gateways", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"gateways": gws, "count": len(gws)}))
}

// CheckPermission GET /api/permissions/check?widget_type=&gateway_id=
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	widgetType := strings.TrimSpace(q.Get("widget_type"))
	if widgetType == "" {
		h.writeError(w, r, "permission_check", failure.New(failure.KindValidation, "http.CheckPermission", "widget_type is required"))
		return
	}
	gatewayID, err := optionalID(q.Get("gateway_id"), "gateway_id")
	if err != nil {
		h.writeError(w, r, "permission_check", err)
		return
	}
	user := currentUser(r)
	allowed, err := h.Resolver.CanAccessWidget(r.Context(), user, widgetType, permission.WidgetContext{GatewayID: gatewayID})
	if err != nil {
		h.writeError(w, r, "permission_check", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"user_id":     user.ID,
		"widget_type": widgetType,
		"gateway_id":  gatewayID,
		"has_access":  allowed,
	}))
}

package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/report"
	"energy-monitor/internal/rtu"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RTUStatus GET /api/rtu/gateways/{id}/status
func (h *Handler) RTUStatus(w http.ResponseWriter, r *http.Request) {
	gw, err := h.authorizedGateway(r)
	if err != nil {
		h.writeError(w, r, "rtu_status", err)
		return
	}
	allowed, err := h.visibleDeviceIDs(r, gw)
	if err != nil {
		h.writeError(w, r, "rtu_status", err)
		return
	}
	status, err := h.RTU.GatewayStatus(r.Context(), *gw, h.Alerts, allowed)
	if err != nil {
		h.writeError(w, r, "rtu_status", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(status))
}

// RTUTrends GET /api/rtu/gateways/{id}/trends?time_range=
func (h *Handler) RTUTrends(w http.ResponseWriter, r *http.Request) {
	gw, err := h.authorizedGateway(r)
	if err != nil {
		h.writeError(w, r, "rtu_trends", err)
		return
	}
	trends, err := h.RTU.TrendData(r.Context(), *gw, r.URL.Query().Get("time_range"))
	if err != nil {
		h.writeError(w, r, "rtu_trends", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(trends))
}

type filteredAlertsResponse struct {
	Alerts  []domain.Alert   `json:"alerts"`
	Groups  []rtu.AlertGroup `json:"groups"`
	Count   int              `json:"count"`
	Summary string           `json:"status_summary"`
}

// RTUFilterAlerts POST /api/rtu/gateways/{id}/alerts/filter
func (h *Handler) RTUFilterAlerts(w http.ResponseWriter, r *http.Request) {
	gw, err := h.authorizedGateway(r)
	if err != nil {
		h.writeError(w, r, "rtu_alerts_filter", err)
		return
	}
	var f rtu.AlertFilters
	if err := readOptionalBodyJSON(r, &f); err != nil {
		h.writeError(w, r, "rtu_alerts_filter", err)
		return
	}
	allowed, err := h.visibleDeviceIDs(r, gw)
	if err != nil {
		h.writeError(w, r, "rtu_alerts_filter", err)
		return
	}
	alerts, err := h.Alerts.FilteredAlerts(r.Context(), gw, allowed, f)
	if err != nil {
		h.writeError(w, r, "rtu_alerts_filter", err)
		return
	}
	groups := rtu.GroupSimilar(alerts)
	out := filteredAlertsResponse{
		Alerts:  alerts,
		Groups:  groups,
		Count:   len(alerts),
		Summary: rtu.StatusSummary(groups),
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// exportFilters 从查询参数构造筛选条件：time_range、severity=a,b、resolved=true|false
func exportFilters(r *http.Request) (rtu.AlertFilters, error) {
	q := r.URL.Query()
	f := rtu.AlertFilters{TimeRange: q.Get("time_range")}
	if v := q.Get("severity"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Severity = append(f.Severity, s)
			}
		}
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, failure.Newf(failure.KindValidation, "http.exportFilters", "invalid resolved %q", v)
		}
		f.Resolved = &b
	}
	return f, nil
}

// RTUExportAlerts GET /api/rtu/gateways/{id}/alerts/export
func (h *Handler) RTUExportAlerts(w http.ResponseWriter, r *http.Request) {
	const op = "rtu_alerts_export"
	gw, err := h.authorizedGateway(r)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	f, err := exportFilters(r)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	allowed, err := h.visibleDeviceIDs(r, gw)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	alerts, err := h.Alerts.FilteredAlerts(r.Context(), gw, allowed, f)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	data, err := report.RTUAlertsWorkbook(alerts)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	writeAttachment(w, report.ContentType, report.FileName("rtu_alerts_gateway_"+strconv.FormatInt(gw.ID, 10), h.now()), data)
}

type resolveRequest struct {
	AlertIDs []int64 `json:"alert_ids"`
}

// RTUResolveAlerts POST /api/rtu/alerts/resolve
// 无权访问的告警计入 failed，不会被解决
func (h *Handler) RTUResolveAlerts(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := readBodyJSON(r, &req); err != nil {
		h.writeError(w, r, "rtu_alerts_resolve", err)
		return
	}
	if len(req.AlertIDs) == 0 {
		h.writeError(w, r, "rtu_alerts_resolve", failure.New(failure.KindValidation, "http.RTUResolveAlerts", "alert_ids is required"))
		return
	}

	user := currentUser(r)
	allowed := make([]int64, 0, len(req.AlertIDs))
	var denied []int64
	for _, id := range req.AlertIDs {
		a, err := h.Repos.Alerts.GetAlert(r.Context(), id)
		if err != nil {
			// 不存在的 id 交给 ResolveAlerts 计入 failed
			allowed = append(allowed, id)
			continue
		}
		ok, err := h.Resolver.CanAccessDevice(r.Context(), user, a.DeviceID)
		if err != nil {
			h.writeError(w, r, "rtu_alerts_resolve", err)
			return
		}
		if !ok {
			denied = append(denied, id)
			continue
		}
		allowed = append(allowed, id)
	}

	out := h.Alerts.ResolveAlerts(r.Context(), allowed, user.ID)
	if len(denied) > 0 {
		h.logger.Warn("Alert resolve denied", zap.Int64("user_id", user.ID), zap.Int64s("alert_ids", denied))
		out.Failed = append(out.Failed, denied...)
		out.FailedCount = len(out.Failed)
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

type outputRequest struct {
	State *bool `json:"state"`
}

// RTUSetOutput POST /api/rtu/gateways/{id}/outputs/{output}
func (h *Handler) RTUSetOutput(w http.ResponseWriter, r *http.Request) {
	const op = "rtu_output"
	gw, err := h.authorizedGateway(r)
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	var req outputRequest
	if err := readBodyJSON(r, &req); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	if req.State == nil {
		h.writeError(w, r, op, failure.New(failure.KindValidation, "http.RTUSetOutput", "state is required"))
		return
	}
	res := h.RTU.SetDigitalOutput(r.Context(), *gw, mux.Vars(r)["output"], *req.State)
	if !res.Success {
		status := http.StatusServiceUnavailable
		if res.ControlFailure != nil {
			status = failure.HTTPStatus(res.ErrorType)
		}
		writeJSON(w, status, Result[*rtu.ControlResult]{Code: ResultError, Type: "error", Message: res.Message, Result: res})
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

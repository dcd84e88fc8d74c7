package httpapi

import (
	"net/http"

	"energy-monitor/internal/consumer"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/ingest"

	"go.uber.org/zap"
)

// StoreReading POST /api/readings
func (h *Handler) StoreReading(w http.ResponseWriter, r *http.Request) {
	var in ingest.ReadingInput
	if err := readBodyJSON(r, &in); err != nil {
		h.writeError(w, r, "reading_store", err)
		return
	}
	res, err := h.Ingestor.Store(r.Context(), in)
	if err != nil {
		h.writeError(w, r, "reading_store", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(res))
}

type assignmentsRequest struct {
	GatewayIDs []int64 `json:"gateway_ids"`
	DeviceIDs  []int64 `json:"device_ids"`
}

type assignmentsResponse struct {
	UserID         int64   `json:"user_id"`
	GatewayIDs     []int64 `json:"gateway_ids"`
	DeviceIDs      []int64 `json:"device_ids"`
	EventPublished bool    `json:"event_published"`
}

// ReplaceAssignments PUT /api/users/{id}/assignments（仅管理员）
func (h *Handler) ReplaceAssignments(w http.ResponseWriter, r *http.Request) {
	const op = "assignments_replace"
	admin := currentUser(r)
	if !admin.IsAdmin() {
		h.writeError(w, r, op, failure.New(failure.KindAuthorization, "http.ReplaceAssignments", "admin role required"))
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	var req assignmentsRequest
	if err := readBodyJSON(r, &req); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	if req.GatewayIDs == nil {
		req.GatewayIDs = []int64{}
	}
	if req.DeviceIDs == nil {
		req.DeviceIDs = []int64{}
	}

	ctx := r.Context()
	if _, err := h.Repos.Users.GetUser(ctx, userID); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	if len(req.GatewayIDs) > 0 {
		gws, err := h.Repos.Gateways.GetGatewaysByIDs(ctx, req.GatewayIDs)
		if err != nil {
			h.writeError(w, r, op, err)
			return
		}
		if len(gws) != len(req.GatewayIDs) {
			h.writeError(w, r, op, failure.New(failure.KindValidation, "http.ReplaceAssignments", "unknown gateway id in gateway_ids"))
			return
		}
	}
	if len(req.DeviceIDs) > 0 {
		devs, err := h.Repos.Devices.GetDevicesByIDs(ctx, req.DeviceIDs)
		if err != nil {
			h.writeError(w, r, op, err)
			return
		}
		if len(devs) != len(req.DeviceIDs) {
			h.writeError(w, r, op, failure.New(failure.KindValidation, "http.ReplaceAssignments", "unknown device id in device_ids"))
			return
		}
	}

	if err := h.Repos.Assignments.ReplaceAssignments(ctx, userID, req.GatewayIDs, req.DeviceIDs, admin.ID); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	h.logger.Info("User assignments replaced",
		zap.Int64("user_id", userID),
		zap.Int64("changed_by", admin.ID),
		zap.Int("gateways", len(req.GatewayIDs)),
		zap.Int("devices", len(req.DeviceIDs)),
	)

	out := assignmentsResponse{UserID: userID, GatewayIDs: req.GatewayIDs, DeviceIDs: req.DeviceIDs}
	if h.Events != nil {
		evt := consumer.Event{Type: consumer.EventAssignmentChanged, UserID: userID, ChangedBy: admin.ID, OccurredAt: h.now().UTC()}
		if err := h.Events.Publish(ctx, evt); err != nil {
			// 分配已生效；缓存将按 TTL 自然过期
			h.logger.Warn("Failed to publish permission event", zap.Int64("user_id", userID), zap.Error(err))
		} else {
			out.EventPublished = true
		}
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"energy-monitor/internal/failure"

	"go.uber.org/zap"
)

// Result 统一响应信封
// - code: 2000 成功，-1 失败
// - type: 'success' | 'error' | 'warning'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

const maxBodyBytes = 1 << 20

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// ErrorDetail 失败响应的 result 字段
type ErrorDetail struct {
	ErrorType        failure.Kind `json:"error_type"`
	ErrorCode        string       `json:"error_code"`
	RetryAvailable   bool         `json:"retry_available"`
	SupportReference string       `json:"support_reference,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误种类选择状态码；5xx 只返回面向用户的提示
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := failure.KindOf(err)
	status := failure.HTTPStatus(kind)
	now := h.now()

	detail := ErrorDetail{
		ErrorType:      kind,
		ErrorCode:      failure.ErrorCode(kind, op, now),
		RetryAvailable: failure.PolicyFor(kind).Retryable,
	}
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = failure.UserMessage(kind)
		detail.SupportReference = failure.SupportReference(now)
		h.logger.Error("Request failed",
			zap.String("op", op),
			zap.String("path", r.URL.Path),
			zap.String("error_type", string(kind)),
			zap.String("support_reference", detail.SupportReference),
			zap.Error(err),
		)
	}
	writeJSON(w, status, Result[ErrorDetail]{Code: ResultError, Type: "error", Message: message, Result: detail})
}

func readBodyJSON(r *http.Request, out any) error {
	return decodeBody(r, out, false)
}

// readOptionalBodyJSON 空请求体保留 out 的零值
func readOptionalBodyJSON(r *http.Request, out any) error {
	return decodeBody(r, out, true)
}

func decodeBody(r *http.Request, out any, allowEmpty bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return failure.Wrap(failure.KindValidation, "http.readBody", err)
	}
	if len(body) == 0 {
		if allowEmpty {
			return nil
		}
		return failure.New(failure.KindValidation, "http.readBody", "request body is empty")
	}
	if err := json.Unmarshal(body, out); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return failure.Newf(failure.KindValidation, "http.readBody", "invalid JSON body: %v", err)
		}
		return failure.Wrap(failure.KindValidation, "http.readBody", err)
	}
	return nil
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) now() time.Time {
	if h.clock != nil {
		return h.clock()
	}
	return time.Now()
}

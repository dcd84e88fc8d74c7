package rtu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// 可控数字输出
const (
	OutputDO1 = "do1"
	OutputDO2 = "do2"
)

type NetworkSample struct {
	WANIP            *string `json:"wan_ip"`
	SIMICCID         *string `json:"sim_iccid"`
	SIMAPN           *string `json:"sim_apn"`
	SIMOperator      *string `json:"sim_operator"`
	RSSI             *int    `json:"rssi"`
	RSRP             *int    `json:"rsrp"`
	RSRQ             *int    `json:"rsrq"`
	SINR             *int    `json:"sinr"`
	ConnectionStatus *string `json:"connection_state"`
}

type IOSample struct {
	DI1           *bool    `json:"di1"`
	DI2           *bool    `json:"di2"`
	DO1           *bool    `json:"do1"`
	DO2           *bool    `json:"do2"`
	AnalogVoltage *float64 `json:"analog_voltage"`
}

// Collector 从 RTU 网关采集数据并下发输出控制
type Collector interface {
	SystemInfo(ctx context.Context, gw *domain.Gateway) (*SystemSample, error)
	NetworkInfo(ctx context.Context, gw *domain.Gateway) (*NetworkSample, error)
	IOInfo(ctx context.Context, gw *domain.Gateway) (*IOSample, error)
	SetOutput(ctx context.Context, gw *domain.Gateway, output string, state bool) error
}

// TeltonikaConfig RUT956 HTTP API 连接参数
type TeltonikaConfig struct {
	Scheme   string        `yaml:"scheme"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// apiResponse RutOS API 通用响应
type apiResponse[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data"`
	Errors  []apiError `json:"errors,omitempty"`
}

type apiError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type loginData struct {
	Token string `json:"token"`
}

// systemData RutOS 系统状态；uptime 单位为秒
type systemData struct {
	Uptime      *int64   `json:"uptime"`
	CPULoad     *float64 `json:"cpu_load"`
	MemoryUsage *float64 `json:"memory_usage"`
}

// TeltonikaClient 基于 RutOS HTTP API 的 Collector 实现
type TeltonikaClient struct {
	httpClient *resty.Client
	cfg        TeltonikaConfig
	logger     *zap.Logger

	mu     sync.Mutex
	tokens map[string]string // host -> bearer token
}

// NewTeltonikaClient 创建 RUT956 客户端
func NewTeltonikaClient(cfg TeltonikaConfig, logger *zap.Logger) *TeltonikaClient {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &TeltonikaClient{
		httpClient: client,
		cfg:        cfg,
		logger:     logger,
		tokens:     map[string]string{},
	}
}

func (c *TeltonikaClient) baseURL(gw *domain.Gateway) (string, error) {
	if !gw.IsRTU() {
		return "", failure.Newf(failure.KindValidation, "rtu.collect", "gateway %d is not configured as RTU device", gw.ID)
	}
	if gw.FixedIP == "" {
		return "", failure.Newf(failure.KindValidation, "rtu.collect", "gateway %d has no fixed IP", gw.ID)
	}
	return fmt.Sprintf("%s://%s", c.cfg.Scheme, gw.FixedIP), nil
}

func (c *TeltonikaClient) token(ctx context.Context, base string, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tokens[base]; ok && !refresh {
		return t, nil
	}

	var resp apiResponse[loginData]
	r, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}).
		SetResult(&resp).
		Post(base + "/api/login")
	if err != nil {
		return "", classifyTransport("rtu.login", err)
	}
	if r.StatusCode() == http.StatusUnauthorized || r.StatusCode() == http.StatusForbidden {
		return "", failure.New(failure.KindAuthentication, "rtu.login", "RTU gateway rejected credentials")
	}
	if r.IsError() || !resp.Success || resp.Data.Token == "" {
		return "", failure.Newf(failure.KindInvalidResponse, "rtu.login", "unexpected login response (status: %d)", r.StatusCode())
	}
	c.tokens[base] = resp.Data.Token
	return resp.Data.Token, nil
}

// call 发送带鉴权的请求；401 时重新登录一次
func call[T any](ctx context.Context, c *TeltonikaClient, gw *domain.Gateway, method, path string, body any) (T, error) {
	var zero T
	base, err := c.baseURL(gw)
	if err != nil {
		return zero, err
	}
	op := "rtu." + strings.TrimPrefix(path, "/api/")

	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.token(ctx, base, attempt > 0)
		if err != nil {
			return zero, err
		}
		var resp apiResponse[T]
		req := c.httpClient.R().SetContext(ctx).SetAuthToken(tok).SetResult(&resp)
		if body != nil {
			req.SetBody(body)
		}
		r, err := req.Execute(method, base+path)
		if err != nil {
			return zero, classifyTransport(op, err)
		}
		if r.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.logger.Debug("RTU token expired, logging in again", zap.Int64("gateway_id", gw.ID))
			continue
		}
		if err := statusError(op, r.StatusCode()); err != nil {
			return zero, err
		}
		if !resp.Success {
			msg := "request was not successful"
			if len(resp.Errors) > 0 {
				msg = resp.Errors[0].Error
			}
			return zero, failure.Wrap(failure.Classify(msg), op, errors.New(msg))
		}
		return resp.Data, nil
	}
	return zero, failure.New(failure.KindAuthentication, op, "RTU gateway rejected token after re-login")
}

func statusError(op string, code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return failure.New(failure.KindAuthentication, op, "unauthorized")
	case code == http.StatusForbidden:
		return failure.New(failure.KindAuthorization, op, "forbidden")
	case code == http.StatusNotFound:
		return failure.New(failure.KindNotFound, op, "endpoint not found")
	case code == http.StatusServiceUnavailable:
		return failure.New(failure.KindHardware, op, "module offline")
	default:
		return failure.Newf(failure.KindInvalidResponse, op, "invalid response status %d", code)
	}
}

// classifyTransport 超时、连接拒绝等由 failure.KindOf 识别
func classifyTransport(op string, err error) error {
	return failure.Wrap(failure.KindOf(err), op, err)
}

func (c *TeltonikaClient) SystemInfo(ctx context.Context, gw *domain.Gateway) (*SystemSample, error) {
	d, err := call[systemData](ctx, c, gw, resty.MethodGet, "/api/system/device/status", nil)
	if err != nil {
		return nil, err
	}
	s := &SystemSample{CPULoad: d.CPULoad, MemoryUsage: d.MemoryUsage}
	if d.Uptime != nil {
		h := int(*d.Uptime / 3600)
		s.UptimeHours = &h
	}
	return s, nil
}

func (c *TeltonikaClient) NetworkInfo(ctx context.Context, gw *domain.Gateway) (*NetworkSample, error) {
	d, err := call[NetworkSample](ctx, c, gw, resty.MethodGet, "/api/network/mobile/status", nil)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *TeltonikaClient) IOInfo(ctx context.Context, gw *domain.Gateway) (*IOSample, error) {
	d, err := call[IOSample](ctx, c, gw, resty.MethodGet, "/api/io/status", nil)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *TeltonikaClient) SetOutput(ctx context.Context, gw *domain.Gateway, output string, state bool) error {
	_, err := call[map[string]any](ctx, c, gw, resty.MethodPut, "/api/io/outputs/"+output, map[string]bool{"state": state})
	if err != nil {
		return err
	}
	c.logger.Info("RTU output command sent",
		zap.Int64("gateway_id", gw.ID),
		zap.String("output", output),
		zap.Bool("state", state),
	)
	return nil
}

// Package widget 定义仪表盘 widget 的公共契约：权限判定 → 缓存 → 计算 → 信封。
//
// 每个 widget 实现 Widget[T]，T 为该 widget 的强类型数据结构；
// Instance[T] 负责缓存键、缓存读写、错误降级，并保证 Render 永不向上抛错。
package widget

import (
	"context"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL widget 缓存默认时长
const DefaultTTL = 300 * time.Second

// 信封状态
const (
	StatusSuccess      = "success"
	StatusUnauthorized = "unauthorized"
	StatusError        = "error"
)

// Meta widget 元信息
type Meta struct {
	Type             string `json:"type"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	Priority         int    `json:"priority"`
	RequiresGateway  bool   `json:"requires_gateway"`
	SupportsRealtime bool   `json:"supports_realtime"`
	RealtimeInterval int    `json:"realtime_interval,omitempty"` // 秒
}

// Request 单次计算的输入
type Request struct {
	User   *domain.User
	Config Config
	Now    time.Time
}

// Widget 具体 widget 需要实现的接口
type Widget[T any] interface {
	Meta() Meta
	Authorize(ctx context.Context, user *domain.User, cfg Config) (bool, error)
	Data(ctx context.Context, req Request) (T, error)
	// Fallback 计算失败时返回的降级数据
	Fallback() T
}

// ConfigValidator 可选：widget 对配置做额外校验
type ConfigValidator interface {
	ValidateConfig(cfg Config) error
}

// Base widget 共享依赖
type Base struct {
	KV     store.KV
	Logger *zap.Logger
	TTL    time.Duration
	Now    func() time.Time

	group *singleflight.Group
}

// Option Base 选项
type Option func(*Base)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(b *Base) { b.Now = now }
}

// WithSingleFlight 合并同一缓存键的并发计算（默认关闭）
func WithSingleFlight() Option {
	return func(b *Base) { b.group = &singleflight.Group{} }
}

// NewBase kv 为 nil 时等价于关闭缓存
func NewBase(kv store.KV, ttl time.Duration, logger *zap.Logger, opts ...Option) *Base {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Base{KV: kv, Logger: logger, TTL: ttl, Now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SingleFlightEnabled 是否启用了并发合并
func (b *Base) SingleFlightEnabled() bool { return b.group != nil }

// Metadata 信封元数据
type Metadata struct {
	UserID         int64        `json:"user_id"`
	GatewayID      *int64       `json:"gateway_id,omitempty"`
	FromCache      bool         `json:"from_cache"`
	GeneratedAt    time.Time    `json:"generated_at"`
	CacheTTL       int          `json:"cache_ttl"`
	RetryAvailable bool         `json:"retry_available"`
	ErrorKind      failure.Kind `json:"error_kind,omitempty"`
	ErrorCode      string       `json:"error_code,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// Envelope 强类型 widget 响应信封；unauthorized 时 Data 为 nil
type Envelope[T any] struct {
	Status     string   `json:"status"`
	WidgetType string   `json:"widget_type"`
	WidgetName string   `json:"widget_name"`
	Data       *T       `json:"data"`
	Metadata   Metadata `json:"metadata"`
}

// Result 类型擦除后的信封（仪表盘混合渲染用），JSON 形状与 Envelope 一致
type Result struct {
	Status     string   `json:"status"`
	WidgetType string   `json:"widget_type"`
	WidgetName string   `json:"widget_name"`
	Data       any      `json:"data"`
	Metadata   Metadata `json:"metadata"`
	Priority   int      `json:"-"`
}

// Erase 转为 Result
func (e Envelope[T]) Erase() Result {
	r := Result{Status: e.Status, WidgetType: e.WidgetType, WidgetName: e.WidgetName, Metadata: e.Metadata}
	if e.Data != nil {
		r.Data = e.Data
	}
	return r
}

// Renderer 与数据类型无关的 widget 实例
type Renderer interface {
	Meta() Meta
	CacheKey() string
	DisableCache()
	ClearCache(ctx context.Context) error
	RenderAny(ctx context.Context) Result
}

package widget

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/store"

	"go.uber.org/zap"
)

// Instance 绑定了用户与配置的 widget
type Instance[T any] struct {
	base          *Base
	w             Widget[T]
	user          *domain.User
	cfg           Config
	cacheDisabled bool
	key           string
}

// New 校验配置并创建实例；网关 widget 缺少 gateway_id 返回 validation 错误
func New[T any](base *Base, w Widget[T], user *domain.User, cfg Config) (*Instance[T], error) {
	meta := w.Meta()
	if meta.RequiresGateway && cfg.GatewayID == nil {
		return nil, failure.Newf(failure.KindValidation, "widget.New", "%s requires gateway_id", meta.Type)
	}
	if cfg.Limit < 0 {
		return nil, failure.New(failure.KindValidation, "widget.New", "limit must not be negative")
	}
	if v, ok := w.(ConfigValidator); ok {
		if err := v.ValidateConfig(cfg); err != nil {
			return nil, err
		}
	}
	inst := &Instance[T]{base: base, w: w, user: user, cfg: cfg}
	inst.key = cacheKey(meta.Type, userID(user), cfg)
	return inst, nil
}

func userID(u *domain.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

// cacheKey widget:{type}:{userID}:{gatewayID|global}:{md5(config)}
func cacheKey(widgetType string, uid int64, cfg Config) string {
	scope := "global"
	if cfg.GatewayID != nil {
		scope = fmt.Sprintf("%d", *cfg.GatewayID)
	}
	b, _ := json.Marshal(cfg)
	sum := md5.Sum(b)
	return fmt.Sprintf("widget:%s:%d:%s:%s", widgetType, uid, scope, hex.EncodeToString(sum[:]))
}

func (i *Instance[T]) Meta() Meta       { return i.w.Meta() }
func (i *Instance[T]) CacheKey() string { return i.key }
func (i *Instance[T]) Config() Config   { return i.cfg }

// DisableCache 在实例生命周期内跳过缓存读写
func (i *Instance[T]) DisableCache() { i.cacheDisabled = true }

func (i *Instance[T]) cacheEnabled() bool {
	return !i.cacheDisabled && i.base.KV != nil
}

// ClearCache 删除当前实例的缓存
func (i *Instance[T]) ClearCache(ctx context.Context) error {
	if i.base.KV == nil {
		return nil
	}
	return i.base.KV.Delete(ctx, i.key)
}

func (i *Instance[T]) RenderAny(ctx context.Context) Result {
	r := i.Render(ctx).Erase()
	r.Priority = i.w.Meta().Priority
	return r
}

// Render 权限 → 缓存 → 计算；任何失败都折叠进信封
func (i *Instance[T]) Render(ctx context.Context) Envelope[T] {
	meta := i.w.Meta()
	now := i.base.Now()
	env := Envelope[T]{
		WidgetType: meta.Type,
		WidgetName: meta.Name,
		Metadata: Metadata{
			UserID:      userID(i.user),
			GatewayID:   i.cfg.GatewayID,
			GeneratedAt: now,
		},
	}
	if i.cacheEnabled() {
		env.Metadata.CacheTTL = int(i.base.TTL.Seconds())
	}
	logger := i.base.Logger.With(zap.String("widget_type", meta.Type), zap.Int64("user_id", userID(i.user)))

	// 只有明确拒绝才是 unauthorized；权限检查本身出错按普通失败处理
	ok, err := i.w.Authorize(ctx, i.user, i.cfg)
	if err != nil {
		logger.Error("Widget permission check failed",
			zap.String("error_kind", string(failure.KindOf(err))),
			zap.Error(err),
		)
		i.failed(&env, err, now)
		return env
	}
	if !ok {
		env.Status = StatusUnauthorized
		env.Metadata.ErrorKind = failure.KindPermission
		env.Metadata.Message = failure.UserMessage(failure.KindPermission)
		return env
	}

	if i.cacheEnabled() {
		var cached T
		err := store.GetJSON(ctx, i.base.KV, i.key, &cached)
		if err == nil {
			env.Status = StatusSuccess
			env.Data = &cached
			env.Metadata.FromCache = true
			return env
		}
		if !errors.Is(err, store.ErrMiss) {
			logger.Debug("Widget cache read failed", zap.String("key", i.key), zap.Error(err))
		}
	}

	data, err := i.compute(ctx, now)
	if err != nil {
		logger.Error("Widget data collection failed",
			zap.String("error_kind", string(failure.KindOf(err))),
			zap.Error(err),
		)
		i.failed(&env, err, now)
		return env
	}

	if i.cacheEnabled() {
		if err := store.SetJSON(ctx, i.base.KV, i.key, data, i.base.TTL); err != nil {
			logger.Debug("Widget cache write failed", zap.String("key", i.key), zap.Error(err))
		}
	}
	env.Status = StatusSuccess
	env.Data = &data
	return env
}

// failed 填充 error 信封：兜底数据、错误种类与重试标记
func (i *Instance[T]) failed(env *Envelope[T], err error, now time.Time) {
	kind := failure.KindOf(err)
	fb := i.w.Fallback()
	env.Status = StatusError
	env.Data = &fb
	env.Metadata.CacheTTL = 0
	env.Metadata.RetryAvailable = failure.PolicyFor(kind).Retryable
	env.Metadata.ErrorKind = kind
	env.Metadata.ErrorCode = failure.ErrorCode(kind, i.w.Meta().Type, now)
	env.Metadata.Message = failure.UserMessage(kind)
}

func (i *Instance[T]) compute(ctx context.Context, now time.Time) (T, error) {
	req := Request{User: i.user, Config: i.cfg, Now: now}
	if i.base.group == nil {
		return i.safeData(ctx, req)
	}
	v, err, shared := i.base.group.Do(i.key, func() (any, error) {
		return i.safeData(ctx, req)
	})
	if shared {
		i.base.Logger.Debug("Widget computation shared", zap.String("key", i.key))
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// safeData 计算数据并把 panic 转为错误
func (i *Instance[T]) safeData(ctx context.Context, req Request) (data T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.Newf(failure.KindUnknown, "widget."+i.w.Meta().Type, "panic during data collection: %v", r)
		}
	}()
	return i.w.Data(ctx, req)
}

// InvalidateUser 删除用户的全部 widget 缓存；按类型逐个匹配，避免 gateway_id 与 user_id 混淆
func InvalidateUser(ctx context.Context, kv store.KV, uid int64) (int, error) {
	if kv == nil {
		return 0, nil
	}
	total := 0
	for _, t := range append(append([]string{}, domain.GlobalWidgetTypes...), domain.GatewayWidgetTypes...) {
		n, err := store.DeleteMatching(ctx, kv, fmt.Sprintf("widget:%s:%d:*", t, uid))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

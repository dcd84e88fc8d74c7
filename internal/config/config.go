package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "energy-monitor/common/config"

	"gopkg.in/yaml.v3"
)

// Config energy-monitor 服务配置
// 优先级：环境变量 > CONFIG_FILE 指定的 YAML > 默认值
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`
	DBEnabled bool                     `yaml:"db_enabled"`
	Database  commoncfg.DatabaseConfig `yaml:"database"`
	Redis     RedisConfig              `yaml:"redis"`
	Log       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Teltonika TeltonikaConfig `yaml:"teltonika"`
	Events    EventsConfig    `yaml:"events"`
}

// RedisConfig 关闭时使用进程内缓存
type RedisConfig struct {
	Enabled               bool `yaml:"enabled"`
	commoncfg.RedisConfig `yaml:",inline"`
}

// CacheConfig widget / 权限 / RTU 降级缓存
type CacheConfig struct {
	WidgetTTL     time.Duration `yaml:"widget_ttl"`
	PermissionTTL time.Duration `yaml:"permission_ttl"`
	FallbackTTL   time.Duration `yaml:"fallback_ttl"`
	SingleFlight  bool          `yaml:"single_flight"`
}

// MQTTConfig 读数订阅
type MQTTConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Topic                string `yaml:"topic"`
	commoncfg.MQTTConfig `yaml:",inline"`
}

// TeltonikaConfig RUT956 HTTP API
type TeltonikaConfig struct {
	Scheme       string        `yaml:"scheme"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	ControlEvery time.Duration `yaml:"control_every"` // 每个网关两次输出控制的最小间隔
	ControlBurst int           `yaml:"control_burst"`
}

// EventsConfig 权限事件流（需要 Redis）
type EventsConfig struct {
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Block    time.Duration `yaml:"block"`
}

func defaults() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.DBEnabled = true
	cfg.Database = commoncfg.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "postgres", Password: "postgres",
		Database: "energy_monitor", SSLMode: "disable", MaxConns: 25, MaxIdle: 5,
	}
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "localhost:6379"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Cache.WidgetTTL = 300 * time.Second
	cfg.Cache.PermissionTTL = 300 * time.Second
	cfg.Cache.FallbackTTL = time.Hour
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "energy-monitor"
	cfg.MQTT.Topic = "energy/readings"
	cfg.MQTT.QoS = 1
	cfg.Teltonika.Scheme = "https"
	cfg.Teltonika.Username = "admin"
	cfg.Teltonika.Timeout = 10 * time.Second
	cfg.Teltonika.Retries = 1
	cfg.Teltonika.ControlEvery = 2 * time.Second
	cfg.Teltonika.ControlBurst = 1
	cfg.Events.Stream = "permission:events"
	cfg.Events.Group = "energy-monitor"
	cfg.Events.Block = 5 * time.Second
	return cfg
}

// Load 读取配置
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ShutdownTimeout = parseDuration(os.Getenv("HTTP_SHUTDOWN_TIMEOUT"), cfg.HTTP.ShutdownTimeout)

	cfg.DBEnabled = parseBool(os.Getenv("DB_ENABLED"), cfg.DBEnabled)
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Enabled = parseBool(os.Getenv("REDIS_ENABLED"), cfg.Redis.Enabled)
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Cache.WidgetTTL = parseDuration(os.Getenv("WIDGET_CACHE_TTL"), cfg.Cache.WidgetTTL)
	cfg.Cache.PermissionTTL = parseDuration(os.Getenv("PERMISSION_CACHE_TTL"), cfg.Cache.PermissionTTL)
	cfg.Cache.FallbackTTL = parseDuration(os.Getenv("RTU_FALLBACK_TTL"), cfg.Cache.FallbackTTL)
	cfg.Cache.SingleFlight = parseBool(os.Getenv("WIDGET_SINGLE_FLIGHT"), cfg.Cache.SingleFlight)

	cfg.MQTT.Enabled = parseBool(os.Getenv("MQTT_ENABLED"), cfg.MQTT.Enabled)
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Teltonika.Scheme = getEnv("RTU_SCHEME", cfg.Teltonika.Scheme)
	cfg.Teltonika.Username = getEnv("RTU_USERNAME", cfg.Teltonika.Username)
	cfg.Teltonika.Password = getEnv("RTU_PASSWORD", cfg.Teltonika.Password)
	cfg.Teltonika.Timeout = parseDuration(os.Getenv("RTU_TIMEOUT"), cfg.Teltonika.Timeout)
	cfg.Teltonika.Retries = parseInt(os.Getenv("RTU_RETRIES"), cfg.Teltonika.Retries)
	cfg.Teltonika.ControlEvery = parseDuration(os.Getenv("RTU_CONTROL_EVERY"), cfg.Teltonika.ControlEvery)
	cfg.Teltonika.ControlBurst = parseInt(os.Getenv("RTU_CONTROL_BURST"), cfg.Teltonika.ControlBurst)

	cfg.Events.Stream = getEnv("PERMISSION_EVENTS_STREAM", cfg.Events.Stream)
	cfg.Events.Group = getEnv("PERMISSION_EVENTS_GROUP", cfg.Events.Group)
	cfg.Events.Consumer = getEnv("PERMISSION_EVENTS_CONSUMER", cfg.Events.Consumer)
	if cfg.Events.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Events.Consumer = "energy-monitor-" + host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	var problems []string
	if c.HTTP.Addr == "" {
		problems = append(problems, "http addr is empty")
	}
	if c.Cache.WidgetTTL < 0 || c.Cache.PermissionTTL < 0 || c.Cache.FallbackTTL < 0 {
		problems = append(problems, "cache ttl must not be negative")
	}
	if c.Teltonika.Scheme != "http" && c.Teltonika.Scheme != "https" {
		problems = append(problems, fmt.Sprintf("unsupported rtu scheme %q", c.Teltonika.Scheme))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Topic == "" {
			problems = append(problems, "mqtt topic is required when mqtt is enabled")
		}
		if err := c.MQTT.MQTTConfig.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// parseDuration 支持 "30s" 形式，纯数字按秒计
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

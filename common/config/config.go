// Package config 基础设施连接配置（数据库、Redis、MQTT），各字段可由 <PREFIX>_<FIELD> 环境变量覆盖。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// GetDSN lib/pq key=value 形式；含空格或引号的值按 libpq 规则加单引号转义
func (c *DatabaseConfig) GetDSN() string {
	pairs := []struct{ k, v string }{
		{"host", c.Host},
		{"port", strconv.Itoa(c.Port)},
		{"user", c.User},
		{"password", c.Password},
		{"dbname", c.Database},
		{"sslmode", c.SSLMode},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.k+"="+quoteDSNValue(p.v))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// LoadFromEnv 如 prefix=DB 读取 DB_HOST、DB_PORT、DB_NAME 等
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	envString(prefix+"_HOST", &c.Host)
	envInt(prefix+"_PORT", &c.Port)
	envString(prefix+"_USER", &c.User)
	envString(prefix+"_PASSWORD", &c.Password)
	envString(prefix+"_NAME", &c.Database)
	envString(prefix+"_SSLMODE", &c.SSLMode)
	envInt(prefix+"_MAX_CONNS", &c.MaxConns)
	envInt(prefix+"_MAX_IDLE", &c.MaxIdle)
}

func (c *RedisConfig) LoadFromEnv(prefix string) {
	envString(prefix+"_ADDR", &c.Addr)
	envString(prefix+"_PASSWORD", &c.Password)
	envInt(prefix+"_DB", &c.DB)
}

func (c *MQTTConfig) LoadFromEnv(prefix string) {
	envString(prefix+"_BROKER", &c.Broker)
	envString(prefix+"_CLIENT_ID", &c.ClientID)
	envString(prefix+"_USERNAME", &c.Username)
	envString(prefix+"_PASSWORD", &c.Password)
	if v := os.Getenv(prefix + "_QOS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil && n <= 2 {
			c.QoS = byte(n)
		}
	}
}

// Validate QoS 只允许 0/1/2
func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.QoS)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt 无法解析时保留原值
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

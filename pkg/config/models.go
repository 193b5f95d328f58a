package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)

type Config struct {
	Server          ServerConfig
	Auth            AuthConfig
	Backplane       BackplaneConfig
	Log             LogConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	Transport       TransportConfig
	Video           VideoConfig
	Chat            ChatConfig
}

type ServerConfig struct {
	Port int
	// AllowedOrigins is the WebSocket origin allowlist. "*" accepts any
	// origin.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	Environment    string
}

type AuthConfig struct {
	// IdentityURL is the base URL of the service answering /verify and
	// /studies/{id}/check-member.
	IdentityURL   string        `mapstructure:"identityURL"`
	JWTSecret     string        `mapstructure:"jwtSecret"`
	VerifyTimeout time.Duration `mapstructure:"verifyTimeout"`
}

type BackplaneConfig struct {
	// RedisURL empty means single-process mode.
	RedisURL string `mapstructure:"redisURL"`
}

type LogConfig struct {
	Level string
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type VideoConfig struct {
	MaxParticipants int `mapstructure:"maxParticipants"`
}

type ChatConfig struct {
	RatePerSecond float64 `mapstructure:"ratePerSecond"`
	Burst         int
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.ConnectionLimit.Mode {
	case LimitModeReject, LimitModeCycle:
	default:
		return fmt.Errorf("invalid connection limit mode %q, want %q or %q", c.ConnectionLimit.Mode, LimitModeReject, LimitModeCycle)
	}
	if c.ConnectionLimit.MaxPerUser < 0 {
		return fmt.Errorf("connection limit must not be negative, got %d", c.ConnectionLimit.MaxPerUser)
	}
	if c.Video.MaxParticipants <= 0 {
		return fmt.Errorf("video participant limit must be positive, got %d", c.Video.MaxParticipants)
	}
	return nil
}

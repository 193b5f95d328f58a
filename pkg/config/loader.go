package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envKeys maps config keys to the environment variables the deployment
// already uses.
var envKeys = map[string]string{
	"server.port":                "PORT",
	"server.allowedOrigins":      "ALLOWED_ORIGINS",
	"server.environment":         "NODE_ENV",
	"auth.identityURL":           "NEXTJS_URL",
	"auth.jwtSecret":             "JWT_SECRET",
	"auth.verifyTimeout":         "VERIFY_TIMEOUT",
	"backplane.redisURL":         "REDIS_URL",
	"log.level":                  "LOG_LEVEL",
	"connectionLimit.maxPerUser": "CONNECTION_LIMIT_PER_USER",
	"connectionLimit.mode":       "CONNECTION_LIMIT_MODE",
	"transport.readTimeout":      "READ_TIMEOUT",
	"video.maxParticipants":      "MAX_VIDEO_PARTICIPANTS",
	"chat.ratePerSecond":         "CHAT_RATE_PER_SECOND",
	"chat.burst":                 "CHAT_BURST",
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"port":      "server.port",
	"log-level": "log.level",
}

// RegisterFlags adds the server flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (default: ./studyhub.yaml if present)")
	fs.Int("port", 3001, "HTTP listen port")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
}

// Load resolves configuration from defaults, an optional YAML file, the
// environment and finally any flags set on fs. fs may be nil.
func Load(logger *slog.Logger, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000"})
	v.SetDefault("server.environment", "development")
	v.SetDefault("auth.identityURL", "http://localhost:3000/api/socket")
	v.SetDefault("auth.verifyTimeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("connectionLimit.maxPerUser", 5)
	v.SetDefault("connectionLimit.mode", LimitModeCycle)
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("video.maxParticipants", 8)
	v.SetDefault("chat.ratePerSecond", 5)
	v.SetDefault("chat.burst", 10)

	// 2. Set config file details
	configFile := ""
	if fs != nil {
		configFile, _ = fs.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("studyhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// 3. Set up environment variable handling
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.Debug("Config file not found, relying on defaults and environment")
	}

	// 5. Flags win over everything, but only when explicitly set
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// 6. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)
	cfg.ConnectionLimit.Mode = strings.ToLower(cfg.ConnectionLimit.Mode)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitOrigins trims entries and splits any that still hold commas, which
// happens when the list comes from a YAML scalar.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

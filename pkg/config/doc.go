// Package config loads environment-driven configuration structs.
//
// Values come from the process environment, optionally seeded from one or
// more .env files through github.com/joho/godotenv, and are parsed into
// tagged structs with github.com/caarlos0/env/v11:
//
//	type Config struct {
//		ConnURL string `env:"PG_CONN_URL,required"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
// Unlike a process-wide cache, every call parses the environment again, so
// callers own their config values and tests can change variables freely.
package config

// Package recorder persists session lifecycle records. Every implementation
// satisfies conversation.Recorder; Open builds the configured set.
package recorder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverLog    = "log"
	DriverSQL    = "sql"
	DriverRedis  = "redis"
)

// SQLConfig selects the GORM dialect.
type SQLConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

// RedisConfig points at the Redis summary store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Config lists the recorders to fan out to.
type Config struct {
	Drivers []string    `yaml:"drivers"`
	SQL     SQLConfig   `yaml:"sql"`
	Redis   RedisConfig `yaml:"redis"`
}

// Validate checks driver names and their required settings.
func (c Config) Validate() error {
	for _, d := range c.drivers() {
		switch d {
		case DriverMemory, DriverLog:
		case DriverSQL:
			if strings.TrimSpace(c.SQL.DSN) == "" {
				return fmt.Errorf("recorder sql.dsn is required")
			}
			if _, err := dialector(c.SQL); err != nil {
				return err
			}
		case DriverRedis:
			if strings.TrimSpace(c.Redis.Addr) == "" {
				return fmt.Errorf("recorder redis.addr is required")
			}
			if c.Redis.TTL < 0 {
				return fmt.Errorf("recorder redis.ttl must be >=0")
			}
		default:
			return fmt.Errorf("unsupported recorder driver: %q", d)
		}
	}
	return nil
}

func (c Config) drivers() []string {
	if len(c.Drivers) == 0 {
		return []string{DriverLog}
	}
	out := make([]string, 0, len(c.Drivers))
	for _, d := range c.Drivers {
		out = append(out, strings.ToLower(strings.TrimSpace(d)))
	}
	return out
}

// Handle is an opened recorder with its release function.
type Handle struct {
	conversation.Recorder
	closers []func() error
}

// Close releases database and Redis connections.
func (h *Handle) Close() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Open builds the recorders named in cfg. More than one driver yields a Multi.
func Open(cfg Config, logger *zap.Logger) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{}
	var recs []conversation.Recorder
	for _, d := range cfg.drivers() {
		switch d {
		case DriverMemory:
			recs = append(recs, NewMemory())
		case DriverLog:
			recs = append(recs, NewLog(logger))
		case DriverSQL:
			store, err := OpenSQL(cfg.SQL)
			if err != nil {
				_ = h.Close()
				return nil, err
			}
			recs = append(recs, store)
			h.closers = append(h.closers, store.Close)
		case DriverRedis:
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			recs = append(recs, NewRedis(client, WithPrefix(cfg.Redis.Prefix), WithTTL(cfg.Redis.TTL)))
			h.closers = append(h.closers, client.Close)
		}
	}
	if len(recs) == 1 {
		h.Recorder = recs[0]
	} else {
		h.Recorder = NewMulti(recs...)
	}
	logger.Info("session recorder ready", zap.Strings("drivers", cfg.drivers()))
	return h, nil
}

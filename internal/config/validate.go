package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // dispatcher.timezone must resolve on hosts without zoneinfo
)

// ParseDurationField parses a non-negative Go duration; empty means 0.
// path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"dispatcher.interval":      cfg.Dispatcher.Interval,
		"dispatcher.send_timeout":  cfg.Dispatcher.SendTimeout,
		"dispatcher.store_timeout": cfg.Dispatcher.StoreTimeout,
		"dispatcher.max_catch_up":  cfg.Dispatcher.MaxCatchUp,
		"votes.apply_timeout":      cfg.Votes.ApplyTimeout,
		"votes.retry_base":         cfg.Votes.RetryBase,
		"api.read_timeout":         cfg.API.ReadTimeout,
		"api.write_timeout":        cfg.API.WriteTimeout,
		"api.idle_timeout":         cfg.API.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Dispatcher.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if cfg.Votes.QueueSize < 0 || cfg.Votes.RetryMax < 0 {
		errs = append(errs, errors.New("votes: queue_size and retry_max must be >= 0"))
	}

	for i, d := range cfg.Destinations {
		if strings.TrimSpace(d.Guild) == "" || strings.TrimSpace(d.Channel) == "" {
			errs = append(errs, fmt.Errorf("destinations[%d]: guild and channel are required", i))
		}
		if d.ChatID == 0 {
			errs = append(errs, fmt.Errorf("destinations[%d]: chat_id is required", i))
		}
	}
	// Duplicate (guild, channel) pairs are accepted; dispatch reports them as ambiguous.

	return errors.Join(errs...)
}

package app

import (
	"fmt"
	"strings"
	"time"

	"pollcron/internal/config"
	"pollcron/internal/dispatch"
	"pollcron/internal/storage"
	"pollcron/internal/transport"
	"pollcron/internal/transport/httpapi"
	"pollcron/internal/transport/telegram"
	"pollcron/internal/votes"
	logx "pollcron/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     l.Chat.ChatID,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:           strings.TrimSpace(t.Token),
		SendTimeout:     sendTimeout,
		PollTimeout:     pollTimeout,
		SendRatePerSec:  t.SendRatePerSec,
		BallotCacheSize: t.BallotCacheSize,
		Admins:          append([]int64(nil), t.Admins...),
	}, nil
}

// dispatcherEnabled defaults to true when the field is omitted.
func dispatcherEnabled(cfg *config.Config) bool {
	return cfg.Dispatcher.Enabled == nil || *cfg.Dispatcher.Enabled
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatcher
	var out dispatch.Config
	var err error
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatcher.interval", d.Interval, &out.Interval},
		{"dispatcher.send_timeout", d.SendTimeout, &out.SendTimeout},
		{"dispatcher.store_timeout", d.StoreTimeout, &out.StoreTimeout},
		{"dispatcher.max_catch_up", d.MaxCatchUp, &out.MaxCatchUp},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return dispatch.Config{}, err
		}
	}

	out.Location = time.Local
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatcher.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapVotesConfig(cfg *config.Config) (votes.Config, error) {
	v := cfg.Votes
	applyTimeout, err := config.ParseDurationField("votes.apply_timeout", v.ApplyTimeout)
	if err != nil {
		return votes.Config{}, err
	}
	retryBase, err := config.ParseDurationField("votes.retry_base", v.RetryBase)
	if err != nil {
		return votes.Config{}, err
	}
	return votes.Config{
		QueueSize:    v.QueueSize,
		ApplyTimeout: applyTimeout,
		RetryMax:     v.RetryMax,
		RetryBase:    retryBase,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (httpapi.Config, error) {
	a := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          strings.TrimSpace(a.Addr),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapDestinations(cfg *config.Config) []transport.Destination {
	out := make([]transport.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		out = append(out, transport.Destination{
			Guild:    strings.TrimSpace(d.Guild),
			Channel:  strings.TrimSpace(d.Channel),
			ChatID:   d.ChatID,
			ThreadID: d.ThreadID,
		})
	}
	return out
}

// validate is the reload gate: a config that fails any mapping is rejected
// before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapVotesConfig(cfg); err != nil {
		return err
	}
	_, err := mapAPIConfig(cfg)
	return err
}

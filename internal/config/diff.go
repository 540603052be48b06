package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "pollcron/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured fields for logging. Secrets (bot token, postgres DSN) are only
// reported as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.SendRatePerSec != nt.SendRatePerSec || ot.BallotCacheSize != nt.BallotCacheSize ||
		!slices.Equal(ot.Admins, nt.Admins) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.send_rate_per_sec", nt.SendRatePerSec),
			logx.Int("telegram.admins", len(nt.Admins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS.Driver != newS.Driver || oldS.Path != newS.Path || oldS.DSN != newS.DSN ||
		oldS.BusyTimeout != newS.BusyTimeout || oldS.MaxOpenConns != newS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_changed", oldS.DSN != newS.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		d := newCfg.Dispatcher
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", d.Enabled == nil || *d.Enabled),
			logx.String("dispatcher.interval", d.Interval),
			logx.String("dispatcher.timezone", d.Timezone),
		)
	}

	if oldCfg.Votes != newCfg.Votes {
		changed = append(changed, "votes")
		attrs = append(attrs,
			logx.Int("votes.queue_size", newCfg.Votes.QueueSize),
			logx.Int("votes.retry_max", newCfg.Votes.RetryMax),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		changed = append(changed, "destinations")
		attrs = append(attrs, logx.Int("destinations.count", len(newCfg.Destinations)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "votes", "api":
			out = append(out, s)
		}
	}
	return out
}

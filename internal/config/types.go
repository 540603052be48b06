package config

// Config is the on-disk configuration, JSON or YAML.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram     TelegramConfig      `json:"telegram"`
	Logging      LoggingConfig       `json:"logging"`
	Storage      StorageConfig       `json:"storage"`
	Dispatcher   DispatcherConfig    `json:"dispatcher"`
	Votes        VotesConfig         `json:"votes"`
	API          APIConfig           `json:"api"`
	Destinations []DestinationConfig `json:"destinations"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for getUpdates.
	PollTimeout string `json:"poll_timeout"`
	// SendRatePerSec throttles outgoing poll messages. 0 means 20/s.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
	// BallotCacheSize bounds the per-voter selection cache. 0 means 10000.
	BallotCacheSize int `json:"ballot_cache_size,omitempty"`
	// Admins may use the /polls and /tally commands. Empty means nobody.
	Admins []int64 `json:"admins,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the relational backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pollcron.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user@host/pollcron" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`         // sqlite
	DSN          string `json:"dsn,omitempty"`          // postgres (never logged)
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DispatcherConfig controls the scheduling loop.
//
// Defaults: enabled, interval 1s, send/store timeouts 10s/5s,
// max_catch_up 1m, timezone local.
type DispatcherConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Interval     string `json:"interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	StoreTimeout string `json:"store_timeout,omitempty"`
	MaxCatchUp   string `json:"max_catch_up,omitempty"`
}

// VotesConfig controls the vote coordinator queue.
type VotesConfig struct {
	QueueSize    int    `json:"queue_size,omitempty"`
	ApplyTimeout string `json:"apply_timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryBase    string `json:"retry_base,omitempty"`
}

// APIConfig controls the HTTP API. Bind to loopback unless a proxy in front
// handles authentication.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Token enables bearer authentication. A non-loopback addr requires it
	// unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts runtime profiles under /debug/pprof/ behind the token.
	Pprof bool `json:"pprof,omitempty"`
}

// DestinationConfig names a chat so polls can address it by
// (guild, channel) labels.
type DestinationConfig struct {
	Guild    string `json:"guild"`
	Channel  string `json:"channel"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

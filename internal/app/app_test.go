package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/config"
	"pollcron/internal/dispatch"
	"pollcron/internal/poll"
	"pollcron/internal/schedule"
	"pollcron/internal/storage"
	"pollcron/internal/transport"
	"pollcron/internal/usecase"
)

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{"sqlite default", config.StorageConfig{Path: "a.db"}, storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: 5 * time.Second}, false},
		{"sqlite busy", config.StorageConfig{Driver: "SQLite3", Path: "a.db", BusyTimeout: "2s"}, storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: 2 * time.Second}, false},
		{"sqlite no path", config.StorageConfig{Driver: "sqlite"}, storage.Config{}, true},
		{"postgres", config.StorageConfig{Driver: "pgx", DSN: "postgres://x", MaxOpenConns: 4}, storage.Config{Driver: "postgres", DSN: "postgres://x", MaxOpenConns: 4}, false},
		{"postgres no dsn", config.StorageConfig{Driver: "postgres"}, storage.Config{}, true},
		{"unknown", config.StorageConfig{Driver: "mongo"}, storage.Config{}, true},
		{"bad duration", config.StorageConfig{Path: "a.db", BusyTimeout: "soon"}, storage.Config{}, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestMapDispatcherConfig(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{Dispatcher: config.DispatcherConfig{
		Enabled:    &off,
		Interval:   "2s",
		Timezone:   "Asia/Jakarta",
		MaxCatchUp: "90s",
	}}
	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if dc.Interval != 2*time.Second || dc.MaxCatchUp != 90*time.Second || dc.SendTimeout != 0 {
		t.Fatalf("durations: %+v", dc)
	}
	if dc.Location == nil || dc.Location.String() != "Asia/Jakarta" {
		t.Fatalf("location: %v", dc.Location)
	}
	if dispatcherEnabled(cfg) {
		t.Fatal("explicit false should disable the dispatcher")
	}
	if !dispatcherEnabled(&config.Config{}) {
		t.Fatal("omitted enabled should default to true")
	}

	cfg.Dispatcher.Timezone = "Mars/Olympus"
	if _, err := mapDispatcherConfig(cfg); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestMapTelegramConfigUsesSendTimeout(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Telegram:   config.TelegramConfig{Token: " tok "},
		Dispatcher: config.DispatcherConfig{SendTimeout: "3s"},
	}
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if tc.Token != "tok" || tc.SendTimeout != 3*time.Second || tc.PollTimeout != 10*time.Second {
		t.Fatalf("telegram: %+v", tc)
	}
}

func TestMapDestinationsTrimsLabels(t *testing.T) {
	t.Parallel()
	got := mapDestinations(&config.Config{Destinations: []config.DestinationConfig{
		{Guild: " team ", Channel: "standup ", ChatID: -1001, ThreadID: 3},
	}})
	want := transport.Destination{Guild: "team", Channel: "standup", ChatID: -1001, ThreadID: 3}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %+v", got)
	}
}

func TestValidateRejectsBadReload(t *testing.T) {
	t.Parallel()
	good := &config.Config{Storage: config.StorageConfig{Path: "a.db"}}
	if err := validate(good); err != nil {
		t.Fatalf("good config: %v", err)
	}
	bad := &config.Config{
		Storage: config.StorageConfig{Path: "a.db"},
		API:     config.APIConfig{ReadTimeout: "-1s"},
	}
	if err := validate(bad); err == nil {
		t.Fatal("expected negative duration to be rejected")
	}
}

type fakeQueries struct {
	polls []poll.Poll
	tally usecase.Tally
}

func (f fakeQueries) ListPolls(context.Context) ([]poll.Poll, error) { return f.polls, nil }

func (f fakeQueries) GetPoll(_ context.Context, id uuid.UUID) (poll.Poll, error) {
	for _, p := range f.polls {
		if p.ID == id {
			return p, nil
		}
	}
	return poll.Poll{}, storage.ErrNotFound
}

func (f fakeQueries) PollTally(context.Context, uuid.UUID) (usecase.Tally, error) {
	return f.tally, nil
}

func TestBotCommands(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	q := fakeQueries{
		polls: []poll.Poll{{ID: id, Cron: "0 9 * * 1-5", Question: "Lunch?", Guild: "team", Channel: "food", Onetime: true, Sent: true}},
		tally: usecase.Summarize([]poll.InstanceAnswer{
			{Text: "pizza", Votes: 3},
			{Text: "sushi", Votes: 1},
		}),
	}
	ctx := context.Background()

	out, err := listPollsCmd(q)(ctx, nil)
	if err != nil {
		t.Fatalf("polls: %v", err)
	}
	if !strings.Contains(out, id.String()) || !strings.Contains(out, "one-time, sent") {
		t.Fatalf("polls output: %q", out)
	}
	if out, _ := listPollsCmd(fakeQueries{})(ctx, nil); out != "no polls" {
		t.Fatalf("empty output: %q", out)
	}

	out, err = tallyCmd(q)(ctx, []string{id.String()})
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	for _, want := range []string{"Lunch?", "total: 4", "pizza: 3 (75.00%)", "sushi: 1 (25.00%)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("tally output %q missing %q", out, want)
		}
	}

	for _, args := range [][]string{nil, {"not-a-uuid"}, {"a", "b"}} {
		if _, err := tallyCmd(q)(ctx, args); !errors.Is(err, errUsage) {
			t.Fatalf("args %v: err=%v", args, err)
		}
	}
	if _, err := tallyCmd(q)(ctx, []string{uuid.NewString()}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown poll: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"storage": map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "app.db")},
		"api":     map[string]any{"enabled": true, "addr": "127.0.0.1:0"},
		"destinations": []map[string]any{
			{"guild": "team", "channel": "standup", "chat_id": -1001},
		},
	})

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if a.adapter != nil || a.disp != nil {
		t.Fatal("no token should leave the bot and dispatcher unset")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + a.api.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var body map[string]any
	err = json.NewDecoder(resp.Body).Decode(&body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["storage"] != "ok" || body["destinations"] != float64(1) {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}

type idleSender struct{}

func (idleSender) SendPoll(context.Context, transport.Destination, transport.PollRequest) (transport.SentPoll, error) {
	return transport.SentPoll{}, errors.New("unused")
}

func TestApplyConfigTogglesDispatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"storage": map[string]any{"path": filepath.Join(dir, "app.db")},
	})
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.disp = dispatch.New(dispatch.Config{Interval: 10 * time.Millisecond}, a.db.Polls(), a.db.Instances(),
		idleSender{}, a.dir, schedule.NewMatcher())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !a.dispatcherRunning() {
		t.Fatal("dispatcher should start by default")
	}

	oldCfg := a.cfgm.Get()
	off := false
	newCfg := *oldCfg
	newCfg.Dispatcher.Enabled = &off
	newCfg.Destinations = []config.DestinationConfig{{Guild: "g", Channel: "c", ChatID: 1}}
	a.applyConfig(ctx, oldCfg, &newCfg)
	if a.dispatcherRunning() {
		t.Fatal("dispatcher should stop when disabled")
	}
	if a.dir.Len() != 1 {
		t.Fatalf("destinations not replaced: %d", a.dir.Len())
	}

	a.applyConfig(ctx, &newCfg, oldCfg)
	if !a.dispatcherRunning() {
		t.Fatal("dispatcher should restart when enabled again")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, StopSIGINT)
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/snapshot"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/storage/wal"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "feedrecovery", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "replay", "status", "journal"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)

	inputFlag := cmd.Flags().Lookup("input")
	require.NotNil(t, inputFlag)
	assert.Equal(t, "-", inputFlag.DefValue)
}

func TestBuildReplayCommand(t *testing.T) {
	cmd := buildReplayCommand()

	assert.Equal(t, "replay", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.RunE)
}

// ============================================================================
// 設定檔
// ============================================================================

const testConfig = `
feed:
  check_interval: 2s
  snapshot_path: %DIR%/state.json
  wal_path: %DIR%/journal.wal

recovery_api:
  base_url: https://api.example.test
  access_token: secret
  node_id: 7

producers:
  - id: 1
    name: lo
    scope: live
    api_path: liveodds
    max_recovery_time: 10m
    alive_violation_timeout: 30s
    interests:
      prematch:
        alive_timeout: 60s
        max_message_age: 45s
  - id: 3
    name: ctrl
    api_path: pre
    stateful_recovery_window: 72h

admin:
  enabled: true
  addr: 127.0.0.1:8088

log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content = strings.ReplaceAll(content, "%DIR%", dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, testConfig)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Feed.CheckInterval)
	assert.Equal(t, DefaultSnapshotInterval, cfg.Feed.SnapshotInterval)
	assert.Equal(t, "https://api.example.test", cfg.RecoveryAPI.BaseURL)
	require.NoError(t, cfg.requireRecoveryAPI())

	require.Len(t, cfg.Producers, 2)
	lo := cfg.Producers[0]
	assert.Equal(t, 10*time.Minute, lo.MaxRecoveryTime)
	assert.Equal(t, 30*time.Second, lo.AliveViolationTimeout)
	assert.Equal(t, DefaultMaxMessageAge, lo.MaxMessageAge)
	assert.Equal(t, 60*time.Second, lo.Interests[types.InterestPrematch].AliveTimeout)
	assert.Equal(t, 45*time.Second, lo.Interests[types.InterestPrematch].MaxMessageAge)

	ctrl := cfg.Producers[1]
	assert.Equal(t, DefaultMaxRecoveryTime, ctrl.MaxRecoveryTime)
	assert.Equal(t, 72*time.Hour, ctrl.StatefulRecoveryWindow)
	assert.Equal(t, DefaultAliveViolationTimeout, ctrl.AliveViolationTimeout)

	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:8088", cfg.Admin.Addr)
	assert.Equal(t, 5*time.Second, cfg.Admin.RequestTimeout)
	assert.Equal(t, DefaultHealthAddr, cfg.Health.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
}

func TestControllerConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	live := cfg.controllerConfig(true)
	assert.Equal(t, 2*time.Second, live.CheckInterval)
	assert.NotEmpty(t, live.SnapshotPath)
	assert.NotEmpty(t, live.WALPath)
	require.Len(t, live.Producers, 2)
	assert.Equal(t, types.ProducerID(3), live.Producers[1].Producer.ID)
	assert.Equal(t, "pre", live.Producers[1].Producer.APIPath)
	assert.Equal(t, 30*time.Second, live.Producers[0].Recovery.AliveViolationTimeout)

	replayCfg := cfg.controllerConfig(false)
	assert.Zero(t, replayCfg.CheckInterval)
	assert.Empty(t, replayCfg.SnapshotPath)
	assert.Empty(t, replayCfg.WALPath)
	assert.Len(t, replayCfg.Producers, 2)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"no producers", "feed:\n  check_interval: 1s\n", ErrNoProducers},
		{"zero id", "producers:\n  - name: x\n", ErrInvalidProducer},
		{"duplicate id", "producers:\n  - id: 1\n  - id: 1\n", ErrInvalidProducer},
		{"bad log level", "producers:\n  - id: 1\nlog:\n  level: loud\n", ErrInvalidLogConfig},
		{"bad log format", "producers:\n  - id: 1\nlog:\n  format: xml\n", ErrInvalidLogConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRequireRecoveryAPI(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "producers:\n  - id: 1\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.requireRecoveryAPI(), ErrMissingBaseURL)
}

// ============================================================================
// 日誌
// ============================================================================

func TestNewLogger_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "feed.log")

	logger, closer, err := newLogger(LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, os.Stderr)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("producer up", "producer", 1)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"producer up"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewLogger_Stderr(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("quiet")
	logger.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "msg=loud")
}

// ============================================================================
// 子命令
// ============================================================================

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestReplayPrintsTransitions(t *testing.T) {
	configPath := writeConfig(t, testConfig)
	session := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(session, []byte(strings.Join([]string{
		"# lo comes up, recovers, then goes silent",
		`{"kind":"alive","producer":1,"timestamp":1717264800000,"subscribed":true,"at":1717264800000}`,
		`{"kind":"snapshot_complete","producer":1,"request_id":1,"at":1717264805000}`,
		`{"kind":"tick","at":1717264840000}`,
	}, "\n")), 0o644))

	out, err := execute(t, "replay", "-c", configPath, "-f", session)
	require.NoError(t, err)

	assert.Contains(t, out, "2024-06-01T18:00:00Z producer=1 not_started -> started (alive received) request_id=1")
	assert.Contains(t, out, "2024-06-01T18:00:05Z producer=1 started -> completed (snapshot complete) request_id=1 took=5s")
	assert.Contains(t, out, "2024-06-01T18:00:40Z producer=1 completed -> error (alive interval violation)")
	assert.Contains(t, out, "envelopes applied=3 skipped=0 requests=1")

	// replay 不寫入任何狀態檔
	_, statErr := os.Stat(filepath.Join(filepath.Dir(configPath), "state.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReplayRequiresFile(t *testing.T) {
	_, err := execute(t, "replay", "-c", writeConfig(t, testConfig))
	assert.Error(t, err)
}

func TestStatusShowsPersistedState(t *testing.T) {
	configPath := writeConfig(t, testConfig)
	dir := filepath.Dir(configPath)

	require.NoError(t, snapshot.NewManager(filepath.Join(dir, "state.json")).Write(types.SnapshotData{
		Producers: map[types.ProducerID]types.ProducerState{
			1: {LastAliveMs: 1717264800000, Status: types.StatusCompleted},
		},
	}))

	w, err := wal.NewWAL(filepath.Join(dir, "journal.wal"), true)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.Event{Type: wal.EventAliveConfirmed, ProducerID: 1, AliveMs: 1717264830000}, true))
	require.NoError(t, w.Append(wal.Event{Type: wal.EventStatusChange, ProducerID: 1, Status: types.StatusError}, true))
	require.NoError(t, w.Close())

	out, err := execute(t, "status", "-c", configPath)
	require.NoError(t, err)

	assert.Contains(t, out, "https://api.example.test")
	assert.Contains(t, out, "last_alive=2024-06-01T18:00:30Z (error)")
	assert.Contains(t, out, "last_alive=never")
	assert.Contains(t, out, "enabled on 127.0.0.1:8088")
	assert.Contains(t, out, "disabled")
}

func TestJournalDumpsWAL(t *testing.T) {
	configPath := writeConfig(t, testConfig)

	w, err := wal.NewWAL(filepath.Join(filepath.Dir(configPath), "journal.wal"), true)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.Event{Type: wal.EventStatusChange, ProducerID: 3, Status: types.StatusStarted}, true))
	require.NoError(t, w.Close())

	out, err := execute(t, "journal", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS_CHANGE producer=3 status=started")
}

func TestJournalWithoutWALPath(t *testing.T) {
	_, err := execute(t, "journal", "-c", writeConfig(t, "producers:\n  - id: 1\n"))
	assert.Error(t, err)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir    string
	config string
	mr     *miniredis.Miniredis
}

// setupTestEnv writes a canvas.yml pointing at a fresh miniredis and a temp store.
func setupTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	for _, key := range []string{"REDIS_URL", "CANVAS_INSTANCE_NAME", "CANVAS_CONSUMER_NAME", "CANVAS_STORE_PATH"} {
		t.Setenv(key, "")
	}

	mr := miniredis.RunT(t)
	dir := t.TempDir()
	content := fmt.Sprintf(`version: "1.0"
instance: cli-test
redis_url: redis://%s/0
grid:
  width: 16
  height: 16
store:
  path: %s
blob:
  dir: %s
%s`, mr.Addr(), filepath.Join(dir, "canvas.db"), filepath.Join(dir, "snapshots"), extra)

	path := filepath.Join(dir, "canvas.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return &testEnv{dir: dir, config: path, mr: mr}
}

// execute runs the root command with args, resetting flag state left behind by
// earlier runs.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	configPath = "canvas.yml"
	forceInit, initDir = false, "."
	placeUser, placeWait, placeTimeout = "", false, 30*time.Second
	historySince, historyUntil, historyOutput = "", "", "default"
	historyUser, historyRegion = "", ""
	snapshotLimit, snapshotOutput, exportPath = 20, "default", ""
	eventOutput = "default"

	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func (e *testEnv) client(t *testing.T) *canvas.Client {
	t.Helper()
	c, err := canvas.NewClient(&redis.Options{Addr: e.mr.Addr()}, "cli-test")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *testEnv) store(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(e.dir, "canvas.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestInitCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    func(dir string) []string
		setup   func(t *testing.T, dir string)
		wantErr string
	}{
		{
			name: "fresh directory",
			args: func(dir string) []string { return []string{"init", "--dir", dir} },
		},
		{
			name: "fails when already initialized",
			args: func(dir string) []string { return []string{"init", "--dir", dir} },
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "canvas.yml"), []byte("version: '1.0'"), 0644))
			},
			wantErr: "canvas already initialized",
		},
		{
			name: "force overwrites",
			args: func(dir string) []string { return []string{"init", "--dir", dir, "--force"} },
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "canvas.yml"), []byte("old content"), 0644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.setup != nil {
				tt.setup(t, dir)
			}

			err := execute(t, tt.args(dir)...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.FileExists(t, filepath.Join(dir, "canvas.yml"))
			assert.DirExists(t, filepath.Join(dir, "snapshots"))
		})
	}
}

func TestPlaceCommand(t *testing.T) {
	env := setupTestEnv(t, "")

	require.NoError(t, execute(t, "place", "3", "4", "#ff0000", "--user", "alice", "--config", env.config))

	n, err := env.client(t).StreamLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPlaceCommand_Rejections(t *testing.T) {
	env := setupTestEnv(t, "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"non-numeric coordinate", []string{"place", "x", "4", "#ff0000"}, "invalid coordinates"},
		{"outside the grid", []string{"place", "16", "0", "#ff0000"}, "invalid placement"},
		{"bad color", []string{"place", "1", "1", "red"}, "invalid placement"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, append(tt.args, "--config", env.config)...)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	n, err := env.client(t).StreamLen(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPlaceCommand_Cooldown(t *testing.T) {
	env := setupTestEnv(t, "ingest:\n  cooldown: 1m\n")

	require.NoError(t, execute(t, "place", "1", "1", "#00ff00", "--config", env.config))
	err := execute(t, "place", "1", "1", "#0000ff", "--config", env.config)
	assert.ErrorContains(t, err, "cooldown active")
}

func TestPlaceCommand_WaitTimesOutWithoutWorker(t *testing.T) {
	env := setupTestEnv(t, "")

	err := execute(t, "place", "2", "2", "#123456", "--wait", "--timeout", "300ms", "--config", env.config)
	assert.ErrorContains(t, err, "placement not materialised")
}

func TestPlaceCommand_RedisDown(t *testing.T) {
	env := setupTestEnv(t, "")
	env.mr.Close()

	err := execute(t, "place", "1", "1", "#ff0000", "--config", env.config)
	assert.ErrorContains(t, err, "redis not accessible")
}

func TestHistoryCommand(t *testing.T) {
	env := setupTestEnv(t, "")
	st := env.store(t)
	require.NoError(t, st.AppendHistory(context.Background(), []canvas.HistoryRecord{
		{PlacementEvent: canvas.PlacementEvent{EventID: "e1", X: 1, Y: 1, Color: 0xFF0000, TS: 100}},
	}))

	require.NoError(t, execute(t, "history", "--since", "0", "--config", env.config))
	require.NoError(t, execute(t, "history", "-o", "jsonl", "--config", env.config))

	require.NoError(t, execute(t, "history", "--user", "alice", "--region", "0,0:3,3", "--config", env.config))
	assert.ErrorContains(t, execute(t, "history", "--region", "1,2:3", "--config", env.config), "invalid region")
	assert.ErrorContains(t, execute(t, "history", "--since", "bogus", "--config", env.config), "invalid time range")
	assert.ErrorContains(t, execute(t, "history", "-o", "xml", "--config", env.config), "invalid output format")
}

func TestEventCommand(t *testing.T) {
	env := setupTestEnv(t, "")
	st := env.store(t)
	ctx := context.Background()
	e := canvas.PlacementEvent{EventID: "abc12345-0000-4000-8000-000000000001", X: 2, Y: 3, Color: 0x0000FF, TS: 500, UserID: "alice"}
	require.NoError(t, st.AppendHistory(ctx, []canvas.HistoryRecord{{PlacementEvent: e}}))
	require.NoError(t, st.UpsertCells(ctx, []canvas.Cell{{X: 2, Y: 3, Color: 0x0000FF, TS: 500}}))

	require.NoError(t, execute(t, "event", "abc12345", "--config", env.config))
	require.NoError(t, execute(t, "event", "abc123", "-o", "jsonl", "--config", env.config))

	assert.ErrorContains(t, execute(t, "event", "ffffff", "--config", env.config), "placement not found")
	assert.ErrorContains(t, execute(t, "event", "abc", "--config", env.config), "invalid event ID")
}

func TestSnapshotCommands(t *testing.T) {
	env := setupTestEnv(t, "")
	st := env.store(t)
	require.NoError(t, st.UpsertCells(context.Background(), []canvas.Cell{
		{X: 0, Y: 0, Color: 0x00FF00, TS: 10},
	}))

	err := execute(t, "snapshot", "latest", "--config", env.config)
	assert.ErrorContains(t, err, "no snapshot found")

	require.NoError(t, execute(t, "snapshot", "generate", "--config", env.config))

	snap, err := st.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Metadata.PixelCount)

	require.NoError(t, execute(t, "snapshot", "latest", "--config", env.config))
	require.NoError(t, execute(t, "snapshot", "list", "--config", env.config))

	dest := filepath.Join(env.dir, "out.png")
	require.NoError(t, execute(t, "snapshot", "export", fmt.Sprint(snap.ID), "--file", dest, "--config", env.config))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))

	assert.ErrorContains(t, execute(t, "snapshot", "export", "999", "--config", env.config), "snapshot not found")
	assert.ErrorContains(t, execute(t, "snapshot", "list", "--limit", "0", "--config", env.config), "invalid limit")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvas.yml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "9"`), 0644))

	err := execute(t, "history", "--config", path)
	assert.ErrorContains(t, err, "invalid configuration")
}

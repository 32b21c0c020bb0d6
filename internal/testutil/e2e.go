// Package testutil runs the whole canvas pipeline in-process for end-to-end tests:
// miniredis as the event log, a temp SQLite store, the HTTP API on an httptest
// server and a running batch consumer.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/canvas/internal/api"
	"github.com/dyluth/canvas/internal/blob"
	"github.com/dyluth/canvas/internal/broadcast"
	"github.com/dyluth/canvas/internal/consumer"
	"github.com/dyluth/canvas/internal/ingest"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// InstanceName is the instance every E2E environment runs as.
const InstanceName = "e2e"

// SettleTime is both the append timeout and the snapshot settle margin the
// environment runs with.
const SettleTime = 50 * time.Millisecond

// E2EEnvironment represents an isolated E2E test environment
type E2EEnvironment struct {
	T           *testing.T
	TmpDir      string
	ConfigPath  string
	Redis       *miniredis.Miniredis
	Client      *canvas.Client
	Store       *store.Store
	Blobs       *blob.BucketStore
	Server      *httptest.Server
	Broadcaster *broadcast.Broadcaster
	Ctx         context.Context

	mu        sync.Mutex
	consumers map[string]context.CancelFunc
	done      sync.WaitGroup
}

// SetupE2EEnvironment starts the event log, store, API server and live feed, and
// writes a canvas.yml pointing at them so CLI commands can be run against the
// same instance. No consumer runs until StartConsumer is called.
func SetupE2EEnvironment(t *testing.T, grid canvas.Grid) *E2EEnvironment {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tmpDir := t.TempDir()
	mr := miniredis.RunT(t)

	client, err := canvas.NewClient(&redis.Options{Addr: mr.Addr()}, InstanceName)
	require.NoError(t, err, "Failed to create canvas client")

	st, err := store.Open(filepath.Join(tmpDir, "canvas.db"), store.Options{DedupeHistory: true})
	require.NoError(t, err, "Failed to open store")

	blobs, err := blob.NewFileStore(filepath.Join(tmpDir, "snapshots"))
	require.NoError(t, err)

	gw := ingest.NewGateway(client, client, nil, ingest.Config{
		Instance:      InstanceName,
		Grid:          grid,
		AppendTimeout: SettleTime,
	})
	b := broadcast.New(64, InstanceName)

	sub, err := client.SubscribeLive(ctx)
	require.NoError(t, err, "Failed to subscribe to live channel")
	go b.Run(ctx, sub.Events())

	server := httptest.NewServer(api.NewServer("", api.Deps{
		Gateway:     gw,
		Store:       st,
		Blobs:       blobs,
		Broadcaster: b,
		Redis:       client,
	}).Router())

	env := &E2EEnvironment{
		T:           t,
		TmpDir:      tmpDir,
		ConfigPath:  filepath.Join(tmpDir, "canvas.yml"),
		Redis:       mr,
		Client:      client,
		Store:       st,
		Blobs:       blobs,
		Server:      server,
		Broadcaster: b,
		Ctx:         ctx,
		consumers:   make(map[string]context.CancelFunc),
	}
	env.writeConfig(grid)

	// Register cleanup
	t.Cleanup(func() {
		env.StopAllConsumers()
		server.Close()
		b.Close()
		sub.Close()
		gw.Close()
		blobs.Close()
		st.Close()
		client.Close()
	})

	return env
}

func (env *E2EEnvironment) writeConfig(grid canvas.Grid) {
	content := fmt.Sprintf(`version: "1.0"
instance: %s
redis_url: redis://%s/0
grid:
  width: %d
  height: %d
store:
  path: %s
  dedupe_history: true
blob:
  dir: %s
ingest:
  append_timeout: %s
snapshot:
  settle: %s
`, InstanceName, env.Redis.Addr(), grid.Width, grid.Height,
		filepath.Join(env.TmpDir, "canvas.db"), filepath.Join(env.TmpDir, "snapshots"),
		SettleTime, SettleTime)
	require.NoError(env.T, os.WriteFile(env.ConfigPath, []byte(content), 0644), "Failed to write canvas.yml")
}

// StartConsumer runs a batch consumer named name in the "workers" group.
func (env *E2EEnvironment) StartConsumer(name string) {
	ctx, cancel := context.WithCancel(env.Ctx)
	c := consumer.New(env.Client, env.Store, consumer.Config{
		Instance:      InstanceName,
		Group:         "workers",
		Name:          name,
		FlushInterval: 20 * time.Millisecond,
		ReadBlock:     20 * time.Millisecond,
		ClaimInterval: 50 * time.Millisecond,
		ClaimMinIdle:  200 * time.Millisecond,
	})

	env.mu.Lock()
	env.consumers[name] = cancel
	env.mu.Unlock()

	env.done.Add(1)
	go func() {
		defer env.done.Done()
		if err := c.Run(ctx); err != nil {
			env.T.Logf("consumer %s stopped: %v", name, err)
		}
	}()
}

// StopConsumer cancels the named consumer. Anything it had not flushed stays pending.
func (env *E2EEnvironment) StopConsumer(name string) {
	env.mu.Lock()
	cancel := env.consumers[name]
	delete(env.consumers, name)
	env.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StopAllConsumers stops every consumer and waits for them to exit.
func (env *E2EEnvironment) StopAllConsumers() {
	env.mu.Lock()
	for name, cancel := range env.consumers {
		cancel()
		delete(env.consumers, name)
	}
	env.mu.Unlock()
	env.done.Wait()
}

// Place submits a placement through POST /api/place and returns the status code and
// the decoded body.
func (env *E2EEnvironment) Place(x, y int, color, userID string) (int, map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{"x": x, "y": y, "color": color, "user_id": userID})
	require.NoError(env.T, err)

	resp, err := http.Post(env.Server.URL+"/api/place", "application/json", bytes.NewReader(body))
	require.NoError(env.T, err, "POST /api/place failed")
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(env.T, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// DialViewer opens a WebSocket viewer session and waits until it is registered.
func (env *E2EEnvironment) DialViewer() *websocket.Conn {
	before := env.Broadcaster.Len()
	wsURL := "ws" + strings.TrimPrefix(env.Server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(env.T, err, "Failed to dial viewer session")
	env.T.Cleanup(func() { conn.Close() })

	require.Eventually(env.T, func() bool { return env.Broadcaster.Len() > before },
		2*time.Second, 5*time.Millisecond, "viewer session never registered")
	return conn
}

// WaitForCell polls the store until (x, y) holds color (up to 5 seconds).
func (env *E2EEnvironment) WaitForCell(x, y int, color canvas.Color) {
	require.Eventually(env.T, func() bool {
		cell, err := env.Store.GetCell(env.Ctx, x, y)
		return err == nil && cell.Color == color
	}, 5*time.Second, 20*time.Millisecond, "cell (%d,%d) never became %s", x, y, color)
}

// WaitForSettled waits until the "workers" group has nothing outstanding and the
// snapshot settle margin has passed, so a snapshot taken next covers every placement.
func (env *E2EEnvironment) WaitForSettled() {
	require.Eventually(env.T, func() bool {
		_, outstanding, err := env.Client.OldestUnacked(env.Ctx, "workers")
		return err == nil && !outstanding
	}, 5*time.Second, 20*time.Millisecond, "consumer group never drained")
	time.Sleep(2 * SettleTime)
}

// WaitForHistory polls until the history table holds n rows (up to 5 seconds).
func (env *E2EEnvironment) WaitForHistory(n int64) {
	require.Eventually(env.T, func() bool {
		count, err := env.Store.CountHistory(env.Ctx)
		return err == nil && count == n
	}, 5*time.Second, 20*time.Millisecond, "history never reached %d rows", n)
}

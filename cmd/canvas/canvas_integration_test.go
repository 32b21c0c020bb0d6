//go:build integration

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/canvas/internal/consumer"
	"github.com/dyluth/canvas/internal/ingest"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")

	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

func newClient(t *testing.T, redisURL string) *canvas.Client {
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	c, err := canvas.NewClient(opts, "it", canvas.WithMaxLen(10_000))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func consumerConfig(name string) consumer.Config {
	return consumer.Config{
		Instance:         "it",
		Group:            "workers",
		Name:             name,
		FlushInterval:    50 * time.Millisecond,
		ReadCount:        100,
		ReadBlock:        100 * time.Millisecond,
		ClaimInterval:    100 * time.Millisecond,
		ClaimMinIdle:     500 * time.Millisecond,
		MaxFlushFailures: 5,
	}
}

// TestPipeline_ConcurrentWritersConverge places many pixels from several
// goroutines onto a small grid and checks the materialised cells match the
// newest placement per cell in the history table.
func TestPipeline_ConcurrentWritersConverge(t *testing.T) {
	redisURL := setupRedis(t)
	client := newClient(t, redisURL)

	st, err := store.Open(filepath.Join(t.TempDir(), "canvas.db"), store.Options{DedupeHistory: true})
	require.NoError(t, err)
	defer st.Close()

	gw := ingest.NewGateway(client, client, nil, ingest.Config{
		Instance: "it",
		Grid:     canvas.Grid{Width: 4, Height: 4},
	})
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 2)
	for _, name := range []string{"w1", "w2"} {
		c := consumer.New(client, st, consumerConfig(name))
		go func() { done <- c.Run(runCtx) }()
	}

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				color := fmt.Sprintf("#%02x%02x00", w*40, i)
				_, err := gw.SubmitAs(ctx, (w+i)%4, i%4, color, fmt.Sprintf("writer-%d", w))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		n, err := st.CountHistory(ctx)
		return err == nil && n == writers*perWriter
	}, 10*time.Second, 100*time.Millisecond)

	stop()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	records, err := st.History(ctx, 0, nil)
	require.NoError(t, err)

	want := map[[2]int]canvas.HistoryRecord{}
	for _, r := range records {
		k := [2]int{r.X, r.Y}
		if cur, ok := want[k]; !ok || r.TS > cur.TS || (r.TS == cur.TS && cur.Pos.Less(r.Pos)) {
			want[k] = r
		}
	}

	cells, err := st.AllCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, len(want))
	for _, c := range cells {
		assert.Equal(t, want[[2]int{c.X, c.Y}].Color, c.Color, "cell (%d,%d)", c.X, c.Y)
	}

	pending, err := client.PendingCount(ctx, "workers")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

// TestPipeline_DeadConsumerIsReclaimed leaves entries pending under a consumer
// name that never returns and checks a live consumer takes them over.
func TestPipeline_DeadConsumerIsReclaimed(t *testing.T) {
	redisURL := setupRedis(t)
	client := newClient(t, redisURL)

	st, err := store.Open(filepath.Join(t.TempDir(), "canvas.db"), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, client.EnsureGroup(ctx, "workers"))
	_, err = client.Append(ctx, &canvas.PlacementEvent{EventID: "e1", X: 1, Y: 1, Color: 0xFF0000, TS: 100})
	require.NoError(t, err)

	entries, err := client.ReadGroup(ctx, "workers", "dead", 10, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	c := consumer.New(client, st, consumerConfig("alive"))
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	require.Eventually(t, func() bool {
		cell, err := st.GetCell(ctx, 1, 1)
		return err == nil && cell.Color == 0xFF0000
	}, 10*time.Second, 100*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/canvas/internal/blob"
	"github.com/dyluth/canvas/internal/config"
	"github.com/dyluth/canvas/internal/filter"
	"github.com/dyluth/canvas/internal/printer"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "canvas",
	Short: "Canvas - shared pixel grid backed by a Redis event log",
	Long: `Canvas accepts pixel placements, records them durably in a Redis stream,
materialises the current grid into SQLite and pushes live updates to viewers.

The processes share one canvas.yml:
  canvas serve   - HTTP API and live viewer sessions
  canvas worker  - batch consumer and snapshot generator`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to canvas.yml")
}

// loadConfig reads --config, falling back to defaults when the file is absent.
func loadConfig() (*config.CanvasConfig, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			fmt.Sprintf("Failed to load %s: %v", configPath, err),
			[]string{"Generate a fresh configuration:\n  canvas init"},
		)
	}
	return cfg, nil
}

// newClient connects to the configured Redis and verifies it is reachable.
func newClient(ctx context.Context, cfg *config.CanvasConfig) (*canvas.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, printer.Error(
			"invalid redis_url",
			fmt.Sprintf("Could not parse %q: %v", cfg.RedisURL, err),
			[]string{"Use the form redis://host:port/db"},
		)
	}

	client, err := canvas.NewClient(opts, cfg.Instance, canvas.WithMaxLen(cfg.Log.MaxLen))
	if err != nil {
		return nil, fmt.Errorf("failed to create canvas client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"redis not accessible",
			"The event log could not be reached.",
			map[string]string{"URL": cfg.RedisURL, "Error": err.Error()},
			[]string{"Start Redis and retry", "Point REDIS_URL at a running server"},
		)
	}
	return client, nil
}

func openStore(cfg *config.CanvasConfig) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Path, store.Options{DedupeHistory: cfg.Store.DedupeHistory})
	if err != nil {
		return nil, printer.ErrorWithContext(
			"store unavailable",
			"The SQLite database could not be opened.",
			map[string]string{"Path": cfg.Store.Path, "Error": err.Error()},
			[]string{"Check the store.path directory exists and is writable"},
		)
	}
	return st, nil
}

// openBlobs opens blob.url when set, otherwise the blob.dir directory.
func openBlobs(ctx context.Context, cfg *config.CanvasConfig) (*blob.BucketStore, error) {
	var (
		blobs *blob.BucketStore
		err   error
	)
	if cfg.Blob.URL != "" {
		blobs, err = blob.OpenURL(ctx, cfg.Blob.URL)
	} else {
		blobs, err = blob.NewFileStore(cfg.Blob.Dir)
	}
	if err != nil {
		return nil, printer.Error("blob store unavailable", err.Error(),
			[]string{"Check blob.dir is writable, or that blob.url names a supported bucket"})
	}
	return blobs, nil
}

func grid(cfg *config.CanvasConfig) canvas.Grid {
	return canvas.Grid{Width: cfg.Grid.Width, Height: cfg.Grid.Height}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// criteria builds a placement filter from --user and --region.
func criteria(user, region string) (*filter.Criteria, error) {
	c := &filter.Criteria{UserID: user}
	if region != "" {
		r, err := filter.ParseRegion(region)
		if err != nil {
			return nil, printer.Error("invalid region", err.Error(), []string{"Use x0,y0:x1,y1, for example --region 0,0:99,99"})
		}
		c.Region = r
	}
	return c, nil
}

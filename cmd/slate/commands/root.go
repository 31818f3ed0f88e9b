package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/slate-ai/slate/internal/approval"
	"github.com/slate-ai/slate/internal/bus"
	"github.com/slate-ai/slate/internal/config"
	"github.com/slate-ai/slate/internal/control"
	"github.com/slate-ai/slate/internal/database"
	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
	"github.com/slate-ai/slate/pkg/eventlog"
)

var (
	version    string
	commit     string
	date       string
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "slate",
	Short: "Slate - Multi-agent AI video production platform",
	Long: `Slate coordinates a set of specialized AI agents producing video from a
structured specification.

Projects move through script, planning, generation and delivery driven by an
append-only event log and a shared blackboard; the budget controller and the
human approval gate supervise every step. This CLI is the control surface:
it creates projects, submits events, inspects state and history, and records
approval decisions.`,
	Version: version,
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
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "slate.yml", "Path to the slate.yml configuration file")
}

// app holds the connected control-plane stack for one CLI invocation.
type app struct {
	cfg       *config.SlateConfig
	db        *database.Client
	cacheRdb  *redis.Client
	streamRdb *redis.Client
	bb        *blackboard.Blackboard
	bus       *bus.Bus
	approvals *approval.Manager
	ctrl      *control.Control
}

// connect loads configuration and dials the blackboard stores and the event
// log. The CLI runs no consumer loops; it publishes, reads and decides.
func connect(ctx context.Context) (*app, error) {
	// A .env next to the caller is a convenience, never a requirement.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := database.NewClient(ctx, database.DefaultConfig(cfg.Blackboard.DBURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the project database: %w", err)
	}

	cacheRdb, err := newRedis(cfg.Blackboard.CacheURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid cache_url: %w", err)
	}
	streamRdb, err := newRedis(cfg.EventLog.URL)
	if err != nil {
		db.Close()
		cacheRdb.Close()
		return nil, fmt.Errorf("invalid event_log.url: %w", err)
	}

	cache := blackboard.NewCache(cacheRdb, 0)
	bb, err := blackboard.New(db.Projects(), db.Tasks(), db.Approvals(), cache, cfg.InstanceName)
	if err != nil {
		db.Close()
		cacheRdb.Close()
		streamRdb.Close()
		return nil, err
	}

	b := bus.New(eventlog.NewLog(streamRdb, cfg.EventLog.StreamPrefix), db.Events(),
		bus.WithConsumerGroup(cfg.EventLog.ConsumerGroup),
		bus.WithCausationCapacity(cfg.CausationIndex.Capacity))

	approvals := approval.New(bb, b, approvalConfig(cfg))

	return &app{
		cfg:       cfg,
		db:        db,
		cacheRdb:  cacheRdb,
		streamRdb: streamRdb,
		bb:        bb,
		bus:       b,
		approvals: approvals,
		ctrl:      control.New(bb, b, nil, approvals),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.cacheRdb.Close()
	a.streamRdb.Close()
}

// loadConfig reads slate.yml when present and falls back to SLATE_*
// environment variables otherwise.
func loadConfig() (*config.SlateConfig, error) {
	if _, err := os.Stat(configPath); err == nil {
		return config.Load(configPath)
	}
	return config.FromEnv()
}

// newRedis accepts both a bare host:port address and a redis:// URL.
func newRedis(url string) (*redis.Client, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: url}), nil
}

func approvalConfig(cfg *config.SlateConfig) approval.Config {
	c := approval.DefaultConfig()
	c.AutoMode = cfg.Approval.AutoMode
	c.TimeoutMinutes = cfg.Approval.TimeoutMinutes
	if len(cfg.Approval.DefaultCheckpoints) > 0 {
		c.Checkpoints = nil
		for _, name := range cfg.Approval.DefaultCheckpoints {
			c.Checkpoints = append(c.Checkpoints, event.Type(name))
		}
	}
	return c
}

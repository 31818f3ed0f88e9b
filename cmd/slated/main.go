// Command slated is the Slate daemon. It runs the consumer side of the
// platform: the event bus loop, the task scheduler, the budget controller
// and the approval manager. The slate CLI is the matching control surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/slate-ai/slate/internal/agent"
	"github.com/slate-ai/slate/internal/approval"
	"github.com/slate-ai/slate/internal/budget"
	"github.com/slate-ai/slate/internal/bus"
	"github.com/slate-ai/slate/internal/config"
	"github.com/slate-ai/slate/internal/database"
	"github.com/slate-ai/slate/internal/scheduler"
	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
	"github.com/slate-ai/slate/pkg/eventlog"
	"github.com/slate-ai/slate/pkg/lock"
)

func main() {
	// 1. Load environment and configuration
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Connect the authoritative store and verify it
	ctx := context.Background()
	db, err := database.NewClient(ctx, database.DefaultConfig(cfg.Blackboard.DBURL))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to the project database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Project database not accessible: %v\n", err)
		os.Exit(1)
	}

	// 3. Connect Redis for the read cache and the event log
	cacheRdb, err := newRedis(cfg.Blackboard.CacheURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid cache_url: %v\n", err)
		os.Exit(1)
	}
	defer cacheRdb.Close()

	streamRdb, err := newRedis(cfg.EventLog.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid event_log.url: %v\n", err)
		os.Exit(1)
	}
	defer streamRdb.Close()

	if err := cacheRdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 4. Create the blackboard facade
	cache := blackboard.NewCache(cacheRdb, time.Duration(cfg.Blackboard.CacheTTLS)*time.Second)
	bb, err := blackboard.New(db.Projects(), db.Tasks(), db.Approvals(), cache, cfg.InstanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create blackboard: %v\n", err)
		os.Exit(1)
	}

	// 5. Create the event bus over the Redis stream log
	b := bus.New(eventlog.NewLog(streamRdb, cfg.EventLog.StreamPrefix), db.Events(),
		bus.WithConsumerGroup(cfg.EventLog.ConsumerGroup),
		bus.WithCausationCapacity(cfg.CausationIndex.Capacity))

	// 6. Create the supervising agents
	budgets := budget.New(bb, b, budgetConfig(cfg))
	approvals := approval.New(bb, b, approvalConfig(cfg))

	// 7. Create the agent runtime and the scheduler that dispatches into it
	rt := agent.NewRuntime(bb, b, approvals, agent.Config{
		RetryInitialDelay: time.Duration(cfg.Agent.RetryInitialDelayS) * time.Second,
		RetryMaxAttempts:  cfg.Agent.RetryMaxAttempts,
	})
	rt.Register(budgets, approvals)
	if err := rt.Attach(b); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to attach agents: %v\n", err)
		os.Exit(1)
	}

	sched := scheduler.New(bb, lock.NewManager(cacheRdb), rt,
		scheduler.WithTaskTimeout(time.Duration(cfg.Scheduler.TaskTimeoutS)*time.Second),
		scheduler.WithDefaultMaxRetries(cfg.Scheduler.DefaultMaxRetries),
		scheduler.WithPauser(approvals))

	// New projects are adopted as their creation event arrives.
	if err := b.Subscribe(func(ctx context.Context, e *event.Event) error {
		sched.Manage(e.ProjectID)
		return nil
	}, event.TypeProjectCreated); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to subscribe project adoption: %v\n", err)
		os.Exit(1)
	}

	// 8. Recover state from a previous run: re-adopt open projects and
	// restore approval pauses so nothing dispatches past a pending gate
	if err := approvals.RestorePaused(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to restore approval pauses: %v\n", err)
		os.Exit(1)
	}

	open, err := bb.ListActiveProjects(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list open projects: %v\n", err)
		os.Exit(1)
	}
	for _, projectID := range open {
		sched.Manage(projectID)
	}

	fmt.Printf("Slate daemon starting as instance '%s' with %d open projects\n", cfg.InstanceName, len(open))

	// 9. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 10. Start the consumer loops
	errCh := make(chan error, 3)
	go func() { errCh <- b.Run(runCtx) }()
	go func() { errCh <- sched.Run(runCtx) }()
	go func() { errCh <- approvals.Run(runCtx) }()

	// 11. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
		<-errCh
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("Slate daemon stopped")
}

// loadConfig reads the file named by SLATE_CONFIG (default slate.yml) when it
// exists and falls back to SLATE_* environment variables otherwise.
func loadConfig() (*config.SlateConfig, error) {
	path := os.Getenv("SLATE_CONFIG")
	if path == "" {
		path = "slate.yml"
	}
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
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

func budgetConfig(cfg *config.SlateConfig) budget.Config {
	c := budget.DefaultConfig()
	c.BaseRate = cfg.Budget.BaseRatePerSecond
	c.WarningThreshold = cfg.Budget.WarningThreshold
	c.PredictionFactor = cfg.Budget.PredictionOverrunFactor
	if len(cfg.Budget.QualityMultipliers) > 0 {
		c.Multipliers = make(map[blackboard.QualityTier]float64, len(cfg.Budget.QualityMultipliers))
		for tier, m := range cfg.Budget.QualityMultipliers {
			c.Multipliers[blackboard.QualityTier(tier)] = m
		}
	}
	return c
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

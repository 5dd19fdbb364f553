package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/spf13/cobra"

	"github.com/jaym/goor/plugins/storage/bolt"
	"github.com/jaym/goor/plugins/storage/memory"
	"github.com/jaym/goor/plugins/storage/redis"
	quicksetup "github.com/jaym/goor/quicksetup/psql"
	"github.com/jaym/goor/sample/grains"
	"github.com/jaym/goor/silo"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

type runOptions struct {
	*rootOptions
	workers   int
	inProcess bool
	storage   string
	boltPath  string
	redisAddr string
	users     int
	calls     int
	interval  time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "goor-sample",
		Short: "A chirper service running on a goor silo",
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a silo YAML config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (none|error|warn|info|debug)")

	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a silo and publish chirps from every worker",
		Long: `Start a master and its workers. Each worker publishes chirps for
random users and delivers them to their followers.

Example:
  goor-sample run --workers 4
  START_PG=true goor-sample run --storage postgres --calls 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSample(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of workers (defaults to the config)")
	cmd.Flags().BoolVar(&opts.inProcess, "in-process", false, "run the workers as goroutines instead of processes")
	cmd.Flags().StringVar(&opts.storage, "storage", "memory", "grain state storage (memory|bolt|redis|postgres); memory is per worker process")
	cmd.Flags().StringVar(&opts.boltPath, "bolt-path", "chirper.db", "bolt file, requires --in-process")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "redis address")
	cmd.Flags().IntVar(&opts.users, "users", 16, "number of chirper users")
	cmd.Flags().IntVar(&opts.calls, "calls", 0, "stop the silo after each worker made this many calls (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "time between calls on each worker")

	return cmd
}

func runSample(ctx context.Context, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := silo.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = silo.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}
	if opts.workers > 0 {
		cfg.MaxWorkers = opts.workers
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	log := silo.NewLogger(cfg.LogLevel)

	siloOpts := []silo.Option{
		silo.WithConfig(cfg),
		silo.WithGrain(grains.DescribeChirper(grains.NewChirper)),
		silo.WithWorkerMain(chirp(opts)),
	}
	if opts.inProcess {
		siloOpts = append(siloOpts, silo.WithSpawner(silo.InProcessSpawner()))
	}

	var s *silo.Silo
	var err error
	switch opts.storage {
	case "memory":
		s, err = silo.New(log, append(siloOpts, silo.WithStorage(memory.New().Factory()))...)
	case "bolt":
		if !opts.inProcess {
			return errors.New("bolt storage can only be shared by in-process workers")
		}
		s, err = silo.New(log, append(siloOpts, silo.WithStorage(bolt.Factory(log.WithName("bolt"), opts.boltPath)))...)
	case "redis":
		s, err = silo.New(log, append(siloOpts, silo.WithStorage(redis.Factory(log.WithName("redis"), opts.redisAddr)))...)
	case "postgres":
		if os.Getenv("START_PG") == "true" && !silo.WorkerProcess() {
			database := embeddedpostgres.NewDatabase()
			if err := database.Start(); err != nil {
				return errors.Wrap(err, "starting embedded postgres")
			}
			defer func() {
				if err := database.Stop(); err != nil {
					log.Error(err, "failed to stop embedded postgres")
				}
			}()
		}
		s, err = quicksetup.Setup(ctx,
			quicksetup.WithPGEnvironment(),
			quicksetup.WithLogr(log),
			quicksetup.WithSiloOptions(siloOpts...),
		)
	default:
		return errors.Newf("unknown storage %q", opts.storage)
	}
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.Start(startCtx); err != nil {
		return err
	}

	if s.IsWorker() {
		return s.Wait(context.Background())
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	select {
	case <-stop:
		log.Info("interrupted, stopping")
	case <-s.Done():
		log.Info("stopped by a worker")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return s.Stop(stopCtx)
}

// chirp publishes a message for a random user every interval and fans it
// out to that user's followers.
func chirp(opts *runOptions) silo.WorkerMainFunc {
	return func(ctx context.Context, s *silo.Silo) error {
		log := s.Logger().WithName("chirper")
		factory := s.GrainFactory()
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(s.PID())))
		user := func() string {
			return fmt.Sprintf("u%d", rng.Intn(opts.users))
		}

		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for n := 0; opts.calls <= 0 || n < opts.calls; n++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			from := user()
			ref, err := grains.GetChirper(ctx, factory, from)
			if err != nil {
				log.Error(err, "failed to get chirper", "user", from)
				continue
			}

			if follower := user(); follower != from && rng.Intn(4) == 0 {
				if err := ref.Follow(ctx, follower); err != nil {
					log.Error(err, "failed to follow", "user", from, "follower", follower)
				}
			}

			msg := fmt.Sprintf("chirp %d from worker %d", n, s.PID())
			followers, err := ref.Publish(ctx, msg)
			if err != nil {
				log.Error(err, "failed to publish", "user", from)
				continue
			}
			for _, f := range followers {
				fref, err := grains.GetChirper(ctx, factory, f)
				if err == nil {
					err = fref.Receive(ctx, from, msg)
				}
				if err != nil {
					log.Error(err, "failed to deliver", "user", from, "follower", f)
				}
			}
			log.V(1).Info("published", "user", from, "followers", len(followers))
		}

		// the first worker to finish stops everyone
		return s.Stop(ctx)
	}
}

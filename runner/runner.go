package runner

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/profiler"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion"
	"github.com/rudderlabs/rudder-ingestion-router/services/pipeline"
	"github.com/rudderlabs/rudder-ingestion-router/services/streammanager/kafka"
	"github.com/rudderlabs/rudder-ingestion-router/services/streammanager/kafka/client"
	"github.com/rudderlabs/rudder-ingestion-router/services/teams"
	"github.com/rudderlabs/rudder-ingestion-router/utils/crash"
	"github.com/rudderlabs/rudder-ingestion-router/utils/misc"
)

const appName = "ingestion-router"

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo             ReleaseInfo
	conf                    *config.Config
	logger                  logger.Logger
	gracefulShutdownTimeout time.Duration
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	return newRunner(config.Default, logger.NewLogger().Child("runner"), releaseInfo)
}

func newRunner(conf *config.Config, log logger.Logger, releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		releaseInfo:             releaseInfo,
		conf:                    conf,
		logger:                  log,
		gracefulShutdownTimeout: conf.GetDurationVar(15, time.Second, "GracefulShutdownTimeout"),
	}
}

// Run runs the application and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet(appName, flag.ContinueOnError)
	versionFlag := flags.Bool("v", false, "Print the current version and exit")
	if err := flags.Parse(args[1:]); err != nil {
		return 1
	}
	if *versionFlag {
		r.printVersion()
		return 0
	}

	path, err := r.conf.ConfigFileUsed()
	if err != nil {
		r.logger.Warnn("Config: Failed to parse config file, using default values",
			logger.NewStringField("path", path), obskit.Error(err))
	} else {
		r.logger.Infon("Config: Using config file", logger.NewStringField("path", path))
	}

	statsOptions := []stats.Option{
		stats.WithServiceName(appName),
		stats.WithServiceVersion(r.releaseInfo.Version),
		stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance, statsOptions...)
	if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		r.logger.Errorn("Failed to start stats", obskit.Error(err))
		return 1
	}
	defer stats.Default.Stop()

	stats.Default.NewTaggedStat("ingestion_router_config", stats.GaugeType, stats.Tags{
		"version":   r.releaseInfo.Version,
		"commit":    r.releaseInfo.Commit,
		"buildDate": r.releaseInfo.BuildDate,
		"builtBy":   r.releaseInfo.BuiltBy,
	}).Gauge(1)

	crash.Configure(r.logger, crash.PanicWrapperOpts{
		AppVersion:   r.releaseInfo.Version,
		ReleaseStage: config.GetString("GO_ENV", "development"),
	})

	if err := r.run(ctx); err != nil {
		r.logger.Errorn("Terminal error", obskit.Error(err))
		logger.Sync()
		return 1
	}
	logger.Sync()
	return 0
}

func (r *Runner) run(ctx context.Context) error {
	db, err := misc.NewDatabaseConnectionPool(ctx, r.conf, "ingestion")
	if err != nil {
		return fmt.Errorf("setting up database: %w", err)
	}
	defer func() { _ = db.Close() }()

	repo := teams.NewRepo(db, teams.WithRetries(
		r.conf.GetDurationVar(5, time.Second, "Teams.repoTimeout"),
		r.conf.GetIntVar(3, 1, "Teams.repoMaxAttempts"),
	))
	var teamOpts []teams.Opt
	if addr := r.conf.GetStringVar("", "Teams.redis.addr"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: r.conf.GetStringVar("", "Teams.redis.password"),
			DB:       r.conf.GetIntVar(0, 1, "Teams.redis.db"),
		})
		defer func() { _ = redisClient.Close() }()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		teamOpts = append(teamOpts, teams.WithSharedCache(
			teams.NewRedisCache(redisClient, r.conf.GetDurationVar(2, time.Minute, "Teams.cacheTTL")),
		))
	}
	teamManager := teams.NewManager(r.conf, r.logger, stats.Default, repo, teamOpts...)

	kafkaManager, err := kafka.NewManager(r.conf, r.logger)
	if err != nil {
		return err
	}
	if err := kafkaManager.Ping(ctx); err != nil {
		return fmt.Errorf("pinging kafka: %w", err)
	}
	primaryProducer := kafkaManager.NewProducer(r.conf.GetStringVar("events_pipeline_primary", "Kafka.primaryTopic"))
	fallbackProducer := kafkaManager.NewProducer(r.conf.GetStringVar("events_pipeline_fallback", "Kafka.fallbackTopic"))
	defer r.close("primary producer", primaryProducer.Close)
	defer r.close("fallback producer", fallbackProducer.Close)

	var handleOpts []ingestion.Opt
	if maxEventsPerSecond := r.conf.GetIntVar(0, 1, "Ingestion.maxEventsPerSecond"); maxEventsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(maxEventsPerSecond), maxEventsPerSecond)
		handleOpts = append(handleOpts, ingestion.WithCheckAndPause(func(ctx context.Context) error {
			return limiter.Wait(ctx)
		}))
	}
	handle, err := ingestion.New(r.conf, r.logger, stats.Default, teamManager, repo, ingestion.Pipelines{
		Primary:  pipeline.New(primaryProducer, pipeline.Primary),
		Fallback: pipeline.New(fallbackProducer, pipeline.Fallback),
	}, handleOpts...)
	if err != nil {
		return err
	}

	consumer, err := kafkaManager.NewConsumer()
	if err != nil {
		return err
	}
	defer r.close("consumer", consumer.Close)

	g, gctx := errgroup.WithContext(ctx)
	if r.conf.GetBool("Profiler.Enabled", true) {
		g.Go(func() error {
			return profiler.StartServer(gctx, r.conf.GetInt("Profiler.Port", 7777))
		})
	}
	g.Go(crash.Wrapper("consumer", func() error {
		err := consumer.Consume(gctx, func(ctx context.Context, batch *client.Batch) error {
			return handle.ProcessBatch(ctx, toInboundMessages(batch.Pending()), offsetResolver{batch: batch})
		})
		if err != nil {
			return fmt.Errorf("consuming: %w", err)
		}
		return nil
	}))
	r.logger.Infon("Ingestion router started", logger.NewStringField("version", r.releaseInfo.Version))

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- g.Wait()
	}()

	select {
	case err := <-shutdownDone:
		return err
	case <-ctx.Done():
	}
	ctxDoneTime := time.Now()
	r.logger.Infon("Attempting to shutdown gracefully")

	select {
	case err := <-shutdownDone:
		r.logger.Infon("Graceful termination",
			logger.NewDurationField("elapsed", time.Since(ctxDoneTime)),
			logger.NewIntField("goroutines", int64(runtime.NumGoroutine())),
		)
		return err
	case <-time.After(r.gracefulShutdownTimeout):
		r.logger.Errorn("Graceful termination failed, goroutine dump follows",
			logger.NewDurationField("elapsed", time.Since(ctxDoneTime)))
		fmt.Print("\n\n")
		_ = pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
		fmt.Print("\n\n")
		return fmt.Errorf("graceful termination timed out after %s", r.gracefulShutdownTimeout)
	}
}

func (r *Runner) close(name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.gracefulShutdownTimeout)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		r.logger.Warnn("Closing "+name, obskit.Error(err))
	}
}

func (r *Runner) printVersion() {
	version := map[string]interface{}{
		"Version":   r.releaseInfo.Version,
		"Commit":    r.releaseInfo.Commit,
		"BuildDate": r.releaseInfo.BuildDate,
		"BuiltBy":   r.releaseInfo.BuiltBy,
	}
	versionFormatted, _ := jsoniter.MarshalIndent(&version, "", " ")
	fmt.Printf("Version Info %s\n", versionFormatted)
}

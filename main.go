package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-taskqueue/scheduler"
)

// untagged marks a pattern entry submitted without a group
const untagged = "-"

type demoConfig struct {
	Pattern       string
	TaskDelay     time.Duration
	FlakyFailures int
	PauseFirst    bool
	LogDebug      bool
	LogPrefix     string
}

type outcome struct {
	index int
	group string
	start time.Duration
	end   time.Duration
	tries int
}

var errFlaky = errors.New("flaky task failure")

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "taskqueue-demo",
		Short:        "Run a scripted workload through a grouped FIFO scheduler",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := demoConfig{
				Pattern:       v.GetString("pattern"),
				TaskDelay:     v.GetDuration("task-delay"),
				FlakyFailures: v.GetInt("flaky-failures"),
				PauseFirst:    v.GetBool("pause-first"),
				LogDebug:      v.GetBool("log-debug"),
				LogPrefix:     v.GetString("log-prefix"),
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("pattern", "a,a,-,b,b,a,-", "comma separated groups to submit in order, '-' submits without a group")
	flags.Duration("task-delay", 100*time.Millisecond, "how long each task works")
	flags.Int("flaky-failures", 0, "failures each task retries through before succeeding")
	flags.Bool("pause-first", false, "submit everything while paused, then resume")
	flags.Bool("log-debug", false, "enable scheduler debug logging")
	flags.String("log-prefix", "demo", "scheduler logger name")

	v.SetEnvPrefix("TASKQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg demoConfig) error {
	logger, err := newLogger(cfg.LogDebug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	groups := parsePattern(cfg.Pattern)
	if len(groups) == 0 {
		return fmt.Errorf("pattern %q contains no tasks", cfg.Pattern)
	}

	s := scheduler.NewScheduler[string](
		&scheduler.Options{
			LogPrefix:   cfg.LogPrefix,
			LogDebug:    cfg.LogDebug,
			Logger:      logger,
			StartPaused: cfg.PauseFirst,
		},
	)

	begin := time.Now()
	futures := make([]*scheduler.Future[outcome], 0, len(groups))

	for i, group := range groups {
		task := newTask(ctx, s, cfg, begin, i, group)

		if group == untagged {
			futures = append(futures, scheduler.Do(s, task))
		} else {
			futures = append(futures, scheduler.DoGroup(s, group, task))
		}
	}

	if cfg.PauseFirst {
		stats := s.Stats()
		zap.S().Infow("submitted while paused", "backlog", stats.Backlog, "inFlight", stats.InFlight)
		s.Resume()
	}

	if err := s.WaitIdle(ctx); err != nil {
		return fmt.Errorf("interrupted with %d tasks pending: %w", s.Size(), err)
	}

	for _, f := range futures {
		o, err := f.Get()
		if err != nil {
			zap.S().Errorw("task failed", "error", err)
			continue
		}

		fmt.Printf(
			"task %2d  group %-4s  %8s -> %8s  tries %d\n",
			o.index,
			o.group,
			o.start.Round(time.Millisecond),
			o.end.Round(time.Millisecond),
			o.tries,
		)
	}

	stats := s.Stats()
	zap.S().Infow(
		"workload done",
		"submitted", stats.Submitted,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"batches", stats.Batches,
		"elapsed", time.Since(begin).Round(time.Millisecond),
	)

	return nil
}

// newTask builds the action for one pattern entry. Retries of flaky work
// happen inside the action, the scheduler runs each action exactly once.
func newTask(
	ctx context.Context,
	s *scheduler.Scheduler[string],
	cfg demoConfig,
	begin time.Time,
	index int,
	group string,
) func() (outcome, error) {
	return func() (outcome, error) {
		o := outcome{
			index: index,
			group: group,
			start: time.Since(begin),
		}

		var tries atomic.Int32
		_, err := backoff.Retry(
			ctx,
			func() (struct{}, error) {
				n := int(tries.Add(1))

				time.Sleep(cfg.TaskDelay)
				if n <= cfg.FlakyFailures {
					return struct{}{}, errFlaky
				}
				return struct{}{}, nil
			},
			backoff.WithBackOff(backoff.NewConstantBackOff(cfg.TaskDelay/4)),
			backoff.WithMaxTries(uint(cfg.FlakyFailures+1)),
		)

		o.end = time.Since(begin)
		o.tries = int(tries.Load())

		zap.S().Debugw(
			"task finished",
			"index", index,
			"group", group,
			"tries", o.tries,
			"pending", s.Size(),
		)

		return o, err
	}
}

func parsePattern(pattern string) []string {
	var groups []string
	for _, field := range strings.Split(pattern, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		groups = append(groups, field)
	}
	return groups
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/nudge/internal/api"
	"github.com/lalithlochan/nudge/internal/config"
	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/scheduler"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon with its HTTP server and billing consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run one job immediately and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sched.RunOnce(cmd.Context(), args[0])
			printReport(cmd, report)
			return err
		},
	}
}

func newJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, their schedules and rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "JOB\tSCHEDULE\tRULES\t(%s)\n", cfg.BusinessTimezone)
			for _, j := range configuredJobs(cfg) {
				names := make([]string, len(j.Rules))
				for i, r := range j.Rules {
					names[i] = string(r)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t\n", j.Name, j.Schedule, strings.Join(names, ","))
			}
			return w.Flush()
		},
	}
}

func configuredJobs(cfg *config.Config) []scheduler.Job {
	return scheduler.WithSchedules(scheduler.DefaultJobs(), map[string]string{
		scheduler.JobReminders:   cfg.ReminderSchedule,
		scheduler.JobPreExpire:   cfg.PreExpireSchedule,
		scheduler.JobExpireGrace: cfg.GraceSchedule,
	})
}

func printReport(cmd *cobra.Command, r scheduler.Report) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "job %s finished in %s\n", r.Job, r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w, "RULE\tCANDIDATES\tMALFORMED\tOUTCOMES")
	for _, rr := range r.Rules {
		keys := make([]string, 0, len(rr.Outcomes))
		for k := range rr.Outcomes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, rr.Outcomes[k])
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", rr.Rule, rr.Candidates, rr.Malformed, strings.Join(parts, " "))
	}
	_ = w.Flush()
}

// serve runs the cron loop, the HTTP server, the billing consumer and the
// pool gauges until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.sched.Run(ctx, a.tickLocker())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      api.NewRouter(a.apiConfig(), a.logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		a.logger.Info("server stopped gracefully")
		return nil
	})

	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(ctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetDBConnections(a.db.AcquiredConns())
				if a.redis != nil {
					metrics.SetRedisConnections(a.redis.TotalConns())
				}
			}
		}
	})

	return g.Wait()
}

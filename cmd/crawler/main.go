// Package main is the entry point for the preisradar crawl CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/preisradar/preisradar/internal/browser"
	"github.com/preisradar/preisradar/internal/catalog"
	"github.com/preisradar/preisradar/internal/config"
	"github.com/preisradar/preisradar/internal/coordinator"
	"github.com/preisradar/preisradar/internal/events"
	"github.com/preisradar/preisradar/internal/harvest"
	"github.com/preisradar/preisradar/internal/tracker"
	"github.com/preisradar/preisradar/pkg/logger"
	"github.com/preisradar/preisradar/pkg/shutdown"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:     "preisradar",
		Short:   "Preisradar crawl orchestration CLI",
		Long:    "CLI tool for harvesting product listings from retail websites into the price catalog.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.AddCommand(newCrawlCmd())
	rootCmd.AddCommand(newScheduleCmd())
	rootCmd.AddCommand(newSourcesCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newMigrateCmd())

	return rootCmd.Execute()
}

// app bundles the wired components a command runs against.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *catalog.DB
	store    *catalog.PostgresStore
	shutdown *shutdown.Handler
}

// newApp loads configuration and connects the database. Every command needs
// at least that much.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	db, err := catalog.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sd := shutdown.New(log, 30*time.Second)
	sd.RegisterNamed("database", func(context.Context) error {
		return db.Close()
	})

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    catalog.NewPostgresStore(db, log),
		shutdown: sd,
	}, nil
}

// newCrawlCmd creates the crawl subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		sourceName string
		postalCode string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Harvest a source into the catalog",
		Example: `  # Crawl Lidl offers
  preisradar crawl --source=Lidl

  # Crawl Aldi Süd for a store region and watch progress
  preisradar crawl --source="Aldi Süd" --postal=10115 --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), sourceName, postalCode, wait)
		},
	}

	cmd.Flags().StringVarP(&sourceName, "source", "s", "", "Source to crawl (see 'preisradar sources')")
	cmd.Flags().StringVarP(&postalCode, "postal", "p", "", "Postal code the harvested prices apply to")
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "Show an interactive progress bar (the crawl always runs to completion)")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

// buildCoordinator wires the browser, tracker and coordinator on top of an
// app. All cleanups land on the app's shutdown handler.
func buildCoordinator(a *app) (*coordinator.Coordinator, *tracker.Tracker) {
	driver := browser.NewDriver(browser.Config{
		UserAgent:  a.cfg.Crawler.UserAgent,
		Headless:   a.cfg.Crawler.Headless,
		RateLimit:  a.cfg.Crawler.RateLimit,
		NavTimeout: a.cfg.Crawler.NavTimeout,
	}, a.log)
	a.shutdown.RegisterNamed("browser", func(context.Context) error {
		driver.Close()
		return nil
	})

	var notifier tracker.Notifier
	if a.cfg.NATS.Enabled {
		pub, err := events.Connect(a.cfg.NATS, a.log)
		if err != nil {
			a.log.WithError(err).Warn("NATS unavailable, continuing without events")
		} else {
			notifier = pub
			a.shutdown.RegisterNamed("nats", func(context.Context) error {
				pub.Close()
				return nil
			})
		}
	}

	trk := tracker.New(tracker.Config{
		MinInterval:  a.cfg.Crawler.MinInterval,
		HistoryLimit: a.cfg.Crawler.HistoryLimit,
		Notifier:     notifier,
	}, a.log)

	coord := coordinator.New(a.store, driver, trk, catalog.NewReconciler(a.log),
		nil, a.cfg.Crawler, a.log)
	return coord, trk
}

func runCrawl(ctx context.Context, sourceName, postalCode string, wait bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}

	coord, trk := buildCoordinator(a)

	jobID, err := coord.Launch(ctx, sourceName, postalCode, "cli", tracker.KindManual)
	if err != nil {
		var rateErr *tracker.RateLimitedError
		if errors.As(err, &rateErr) {
			return fmt.Errorf("source %q was crawled recently, next attempt allowed at %s",
				rateErr.Source, rateErr.NextAllowed.Format(time.RFC3339))
		}
		return err
	}

	fmt.Printf("crawl started: job %s\n", jobID)
	if !wait {
		// Still block until the job is terminal: returning would tear
		// down the browser and database underneath the running crawl.
		job, err := trk.Await(ctx, jobID, 500*time.Millisecond)
		if err != nil {
			return err
		}
		if job.Status == tracker.StatusFailed {
			return fmt.Errorf("crawl failed: %s", job.ErrorDetail)
		}
		fmt.Printf("%s: %d items persisted, %d record errors\n",
			job.Status, job.ItemsDone, job.ErrorCount)
		return nil
	}
	return watchJob(ctx, trk, jobID)
}

// watchJob polls the tracker and renders a progress bar until the job is
// terminal.
func watchJob(ctx context.Context, trk *tracker.Tracker, jobID string) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Crawling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := trk.JobStatus(jobID)
		if err != nil {
			return err
		}
		bar.Describe(job.CurrentStep)
		_ = bar.Set(int(job.Progress))

		if job.Status.Terminal() {
			_ = bar.Finish()
			fmt.Println()
			switch job.Status {
			case tracker.StatusCompleted:
				fmt.Printf("completed: %d items persisted, %d record errors\n",
					job.ItemsDone, job.ErrorCount)
				return nil
			case tracker.StatusCancelled:
				fmt.Println("crawl cancelled")
				return nil
			default:
				return fmt.Errorf("crawl failed: %s", job.ErrorDetail)
			}
		}
	}
}

// newScheduleCmd creates the schedule subcommand.
func newScheduleCmd() *cobra.Command {
	var (
		every      time.Duration
		postalCode string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Periodically harvest all sources until interrupted",
		Example: `  # Re-harvest every six hours
  preisradar schedule --every=6h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd.Context(), every, postalCode)
		},
	}

	cmd.Flags().DurationVar(&every, "every", 6*time.Hour, "Interval between harvest rounds")
	cmd.Flags().StringVarP(&postalCode, "postal", "p", "", "Postal code the harvested prices apply to")
	return cmd
}

func runSchedule(ctx context.Context, every time.Duration, postalCode string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if err := a.db.Migrate(ctx); err != nil {
		a.shutdown.Shutdown()
		return err
	}

	coord, trk := buildCoordinator(a)

	ctx, cancel := context.WithCancel(ctx)
	a.shutdown.RegisterNamed("scheduler", func(context.Context) error {
		cancel()
		return nil
	})
	done := a.shutdown.ListenAndShutdown()

	crawlAll := func() {
		for _, name := range coord.Sources() {
			_, err := coord.Launch(ctx, name, postalCode, "scheduler", tracker.KindScheduled)
			if err != nil {
				a.log.WithError(err).Warn("scheduled crawl not started", "source", name)
			}
		}
	}

	a.log.Info("scheduler started", "interval", every.String())
	crawlAll()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			trk.PurgeOlderThan(24 * time.Hour)
			crawlAll()
		case <-done:
			return nil
		case <-ctx.Done():
			<-done
			return nil
		}
	}
}

// newSourcesCmd creates the sources subcommand.
func newSourcesCmd() *cobra.Command {
	var enable, disable string

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured harvest sources, or toggle one",
		Example: `  # Stop scheduling a retailer without removing its catalog rows
  preisradar sources --disable="Aldi Süd"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable != "" || disable != "" {
				return runToggleSource(cmd.Context(), enable, disable)
			}
			for _, src := range harvest.DefaultSources() {
				fmt.Printf("%-12s %s (%d pages)\n", src.Name, src.BaseURL, len(src.Pages))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&enable, "enable", "", "Re-enable crawling for the named source")
	cmd.Flags().StringVar(&disable, "disable", "", "Disable crawling for the named source")
	cmd.MarkFlagsMutuallyExclusive("enable", "disable")
	return cmd
}

func runToggleSource(ctx context.Context, enable, disable string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	name, enabled := enable, true
	if disable != "" {
		name, enabled = disable, false
	}
	if err := a.store.SetSourceEnabled(ctx, name, enabled); err != nil {
		return err
	}
	fmt.Printf("source %q enabled=%t\n", name, enabled)
	return nil
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog contents per source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

type sourceStatus struct {
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	Enabled     bool      `json:"enabled"`
	ActiveItems int       `json:"active_items"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func runStatus(ctx context.Context, jsonOutput bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return err
	}

	statuses := make([]sourceStatus, 0, len(sources))
	for _, src := range sources {
		count, err := a.store.ActiveItemCount(ctx, src.ID)
		if err != nil {
			return err
		}
		statuses = append(statuses, sourceStatus{
			Name:        src.Name,
			BaseURL:     src.BaseURL,
			Enabled:     src.Enabled,
			ActiveItems: count,
			UpdatedAt:   src.UpdatedAt,
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("catalog is empty, run a crawl first")
		return nil
	}
	for _, st := range statuses {
		note := ""
		if !st.Enabled {
			note = " [disabled]"
		}
		fmt.Printf("%-12s %6d active items (updated %s)%s\n",
			st.Name, st.ActiveItems, st.UpdatedAt.Format(time.RFC3339), note)
	}
	return nil
}

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create catalog tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.shutdown.Shutdown()

			if err := a.db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("catalog schema up to date")
			return nil
		},
	}
}

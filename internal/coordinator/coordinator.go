// Package coordinator runs the full crawl lifecycle for a source: job
// admission, provisioning, harvest, reconciliation, persistence.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/preisradar/preisradar/internal/catalog"
	"github.com/preisradar/preisradar/internal/config"
	"github.com/preisradar/preisradar/internal/harvest"
	"github.com/preisradar/preisradar/internal/tracker"
	"github.com/preisradar/preisradar/pkg/logger"
)

// ErrUnknownSource is returned when a crawl is requested for a source with no
// harvest configuration.
var ErrUnknownSource = errors.New("unknown source")

// ErrSourceDisabled is returned when the catalog row for a source has been
// disabled by an operator.
var ErrSourceDisabled = errors.New("source disabled")

// Coordinator wires the harvest pipeline together. One instance serves all
// sources; per-crawl state lives in the tracker.
type Coordinator struct {
	store      catalog.Store
	pages      harvest.PageFactory
	tracker    *tracker.Tracker
	reconciler *catalog.Reconciler
	sources    map[string]harvest.SourceConfig
	cfg        config.CrawlerConfig
	log        *logger.Logger

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// New creates a coordinator over the given harvest sources. A nil sources
// slice installs the built-in retailer set.
func New(
	store catalog.Store,
	pages harvest.PageFactory,
	trk *tracker.Tracker,
	rec *catalog.Reconciler,
	sources []harvest.SourceConfig,
	cfg config.CrawlerConfig,
	log *logger.Logger,
) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	if sources == nil {
		sources = harvest.DefaultSources()
	}
	byName := make(map[string]harvest.SourceConfig, len(sources))
	for _, src := range sources {
		byName[src.Name] = src
	}
	return &Coordinator{
		store:      store,
		pages:      pages,
		tracker:    trk,
		reconciler: rec,
		sources:    byName,
		cfg:        cfg,
		log:        log.WithComponent("coordinator"),
	}
}

// Sources returns the names of all configured harvest sources.
func (c *Coordinator) Sources() []string {
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	return names
}

// Launch admits a crawl for the source and runs it in the background. It
// returns the job id immediately; progress is observable through the tracker.
// Admission errors (unknown source, rate limit, already running) surface
// here, before any work starts.
func (c *Coordinator) Launch(ctx context.Context, sourceName, postalCode, triggeredBy string, kind tracker.Kind) (string, error) {
	if _, ok := c.sources[sourceName]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, sourceName)
	}

	jobID, err := c.tracker.StartCrawl(sourceName, kind, postalCode, triggeredBy)
	if err != nil {
		return "", err
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.LogPanic(r)
				_ = c.tracker.Complete(jobID, tracker.StatusFailed, -1, fmt.Sprintf("panic: %v", r))
			}
		}()
		if _, _, err := c.RunCrawl(ctx, sourceName, postalCode, jobID); err != nil {
			c.log.WithError(err).Error("crawl failed", "source", sourceName, "job_id", jobID)
		}
	}()

	return jobID, nil
}

// RunCrawl executes one admitted crawl to completion. It owns moving the job
// through its states and always leaves it terminal. Returns the number of
// items persisted and the per-record error count.
func (c *Coordinator) RunCrawl(ctx context.Context, sourceName, postalCode, jobID string) (success, errCount int, err error) {
	srcCfg, ok := c.sources[sourceName]
	if !ok {
		failErr := fmt.Errorf("%w: %q", ErrUnknownSource, sourceName)
		_ = c.tracker.Complete(jobID, tracker.StatusFailed, -1, failErr.Error())
		return 0, 0, failErr
	}

	log := c.log.WithFields(map[string]any{"source": sourceName, "job_id": jobID})

	c.tracker.UpdateProgress(jobID,
		tracker.WithStatus(tracker.StatusInitializing),
		tracker.WithStep("Provisioning source"),
		tracker.WithPercent(2),
	)

	src, err := c.provisionSource(ctx, srcCfg)
	if err != nil {
		_ = c.tracker.Complete(jobID, tracker.StatusFailed, -1, err.Error())
		return 0, 0, err
	}
	if !src.Enabled {
		failErr := fmt.Errorf("%w: %q", ErrSourceDisabled, sourceName)
		_ = c.tracker.Complete(jobID, tracker.StatusFailed, -1, failErr.Error())
		return 0, 0, failErr
	}

	c.tracker.UpdateProgress(jobID,
		tracker.WithStatus(tracker.StatusCrawling),
		tracker.WithStep("Harvesting"),
		tracker.WithPercent(5),
	)

	harvester := harvest.NewHarvester(c.pages, srcCfg, c.scrollConfig(), c.cfg.MaxPerSource, c.log)
	records, examined, harvestErr := harvester.Run(ctx, harvest.Hooks{
		Progress: func(step string, percent float64) {
			c.tracker.UpdateProgress(jobID,
				tracker.WithStep(step),
				tracker.WithPercent(percent),
			)
		},
		Cancelled: func() bool { return c.tracker.IsCancelled(jobID) },
	})
	if harvestErr != nil {
		if errors.Is(harvestErr, harvest.ErrCancelled) {
			// Cancel already moved the job to history.
			log.Info("crawl cancelled mid-harvest")
			return 0, 0, harvestErr
		}
		_ = c.tracker.Complete(jobID, tracker.StatusFailed, -1, harvestErr.Error())
		return 0, 0, harvestErr
	}

	c.tracker.UpdateProgress(jobID,
		tracker.WithStatus(tracker.StatusProcessing),
		tracker.WithStep("Reconciling records"),
		tracker.WithPercent(70),
		tracker.WithFound(examined),
	)

	deduped := catalog.Deduplicate(records)
	items, convertErrs := c.reconciler.Convert(deduped, postalCode)

	c.tracker.UpdateProgress(jobID,
		tracker.WithStep("Persisting catalog"),
		tracker.WithPercent(85),
		tracker.WithProcessed(len(items)),
		tracker.WithErrors(convertErrs),
	)

	if c.tracker.IsCancelled(jobID) {
		log.Info("crawl cancelled before persistence")
		return 0, convertErrs, harvest.ErrCancelled
	}

	staleBefore := c.now().Add(-c.cfg.FreshnessWindow)
	if err := c.store.ReplaceItems(ctx, src.ID, items, jobID, staleBefore); err != nil {
		persistErr := fmt.Errorf("persist catalog: %w", err)
		_ = c.tracker.Complete(jobID, tracker.StatusFailed, -1, persistErr.Error())
		return 0, convertErrs, persistErr
	}

	_ = c.tracker.Complete(jobID, tracker.StatusCompleted, len(items), "")
	log.Info("crawl completed",
		"examined", examined,
		"harvested", len(records),
		"deduplicated", len(deduped),
		"persisted", len(items),
		"record_errors", convertErrs,
	)
	return len(items), convertErrs, nil
}

// provisionSource resolves the catalog row for a source, creating it on first
// crawl. Two crawls racing on first creation both succeed: the loser of the
// insert re-reads the winner's row.
func (c *Coordinator) provisionSource(ctx context.Context, srcCfg harvest.SourceConfig) (*catalog.Source, error) {
	src, err := c.store.FindSourceByName(ctx, srcCfg.Name)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, catalog.ErrSourceNotFound) {
		return nil, fmt.Errorf("resolve source %q: %w", srcCfg.Name, err)
	}

	src, err = c.store.CreateSource(ctx, srcCfg.Name, srcCfg.BaseURL)
	if err == nil {
		return src, nil
	}
	if errors.Is(err, catalog.ErrDuplicateSource) {
		src, err = c.store.FindSourceByName(ctx, srcCfg.Name)
		if err != nil {
			return nil, fmt.Errorf("re-read source %q after insert race: %w", srcCfg.Name, err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("create source %q: %w", srcCfg.Name, err)
}

func (c *Coordinator) scrollConfig() harvest.ScrollConfig {
	return harvest.ScrollConfig{
		StepDown:    c.cfg.ScrollStepDown,
		StepUp:      c.cfg.ScrollStepUp,
		Settle:      c.cfg.ScrollSettle,
		SettleUp:    c.cfg.ScrollSettleUp,
		FinalSettle: c.cfg.ScrollFinalSettle,
		MaxSteps:    c.cfg.ScrollMaxSteps,
		StableSteps: c.cfg.ScrollStableSteps,
		Budget:      c.cfg.ScrollBudget,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

package harvest

import (
	"context"
	"fmt"

	"github.com/preisradar/preisradar/pkg/logger"
)

// PageTarget is one listing page of a source, tagged with the category its
// listings belong to.
type PageTarget struct {
	Category string
	URL      string
}

// SourceConfig is the harvest protocol description for one retailer: where
// its listing pages live and how to pull records out of them.
type SourceConfig struct {
	Name            string
	BaseURL         string
	Pages           []PageTarget
	ConsentKeywords []string
	Plan            Plan
}

// Hooks lets the caller observe and steer a running harvest. Either field may
// be nil.
type Hooks struct {
	// Progress is called with a human-readable step and a 0-100 percentage
	// of the overall harvest.
	Progress func(step string, percent float64)
	// Cancelled is polled between phases; returning true aborts the
	// harvest with ErrCancelled.
	Cancelled func() bool
}

func (h Hooks) progress(step string, percent float64) {
	if h.Progress != nil {
		h.Progress(step, percent)
	}
}

func (h Hooks) cancelled() bool {
	return h.Cancelled != nil && h.Cancelled()
}

// Harvester runs the full protocol for one source: navigate, dismiss
// overlays, converge scrolling, extract.
type Harvester struct {
	pages  PageFactory
	cfg    SourceConfig
	scroll ScrollConfig
	limit  int
	log    *logger.Logger
}

// NewHarvester wires a harvester for one source. limit caps the containers
// examined per page; <=0 means unlimited.
func NewHarvester(pages PageFactory, cfg SourceConfig, scroll ScrollConfig, limit int, log *logger.Logger) *Harvester {
	if log == nil {
		log = logger.Default()
	}
	return &Harvester{pages: pages, cfg: cfg, scroll: scroll, limit: limit, log: log.WithComponent("harvester")}
}

// Run harvests every configured page of the source and returns the merged
// records plus the total number of containers examined across all pages,
// including containers discarded for missing a name or price. Progress moves
// through fixed checkpoints per page: 10% navigated, 20% scrolled, and up to
// 60% per-page share during extraction; the caller owns the remaining 40%
// for post-processing.
func (h *Harvester) Run(ctx context.Context, hooks Hooks) ([]RawRecord, int, error) {
	var all []RawRecord
	var examined int
	pageCount := len(h.cfg.Pages)
	if pageCount == 0 {
		return nil, 0, fmt.Errorf("source %q has no pages configured", h.cfg.Name)
	}

	for i, target := range h.cfg.Pages {
		if hooks.cancelled() {
			return all, examined, ErrCancelled
		}
		records, n, err := h.harvestPage(ctx, target, i, pageCount, hooks)
		examined += n
		if err != nil {
			return all, examined, err
		}
		all = append(all, records...)
	}
	hooks.progress("harvest complete", 60)
	return all, examined, nil
}

func (h *Harvester) harvestPage(ctx context.Context, target PageTarget, index, total int, hooks Hooks) ([]RawRecord, int, error) {
	log := h.log.WithFields(map[string]any{
		"source":   h.cfg.Name,
		"category": target.Category,
		"url":      target.URL,
	})

	page, release, err := h.pages.NewPage(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("open page: %w", err)
	}
	defer release()

	// Each page owns an equal slice of the 0-60% harvest window.
	base := 60 * float64(index) / float64(total)
	share := 60 / float64(total)
	at := func(fraction float64) float64 { return base + share*fraction }

	if err := page.Navigate(ctx, target.URL); err != nil {
		return nil, 0, fmt.Errorf("navigate %s: %w", target.URL, err)
	}
	hooks.progress(fmt.Sprintf("loaded %s", target.Category), at(1.0/6))

	if len(h.cfg.ConsentKeywords) > 0 {
		dismissed, err := page.DismissOverlays(ctx, h.cfg.ConsentKeywords)
		if err != nil {
			log.WithError(err).Warn("overlay dismissal failed, continuing")
		} else if dismissed {
			log.Debug("consent overlay dismissed")
		}
	}

	if err := Converge(ctx, page, h.scroll, hooks.Cancelled); err != nil {
		return nil, 0, fmt.Errorf("scroll %s: %w", target.URL, err)
	}
	hooks.progress(fmt.Sprintf("scrolled %s", target.Category), at(2.0/6))

	records, examined, err := Resolve(ctx, page, h.cfg.Plan, h.cfg.BaseURL, h.limit, hooks.Cancelled)
	if err != nil {
		return records, examined, err
	}
	for i := range records {
		records[i].Source = h.cfg.Name
		records[i].Category = target.Category
	}
	log.Info("page harvested", "containers", examined, "records", len(records))
	hooks.progress(fmt.Sprintf("extracted %s", target.Category), at(1))
	return records, examined, nil
}

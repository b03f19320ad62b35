package harvest

import (
	"context"
	"time"
)

// ScrollConfig tunes the convergence walk. Step sizes, settle delays and the
// stability threshold are empirical knobs, not a termination proof; Budget is
// the hard wall-clock cap that keeps a non-converging page from stalling a
// crawl.
type ScrollConfig struct {
	StepDown     int
	StepUp       int
	Settle       time.Duration // after each downward step
	SettleUp     time.Duration // after each upward step
	BottomSettle time.Duration // after the jump to the very bottom
	FinalSettle  time.Duration // once, after the last phase
	MaxSteps     int
	StableSteps  int // consecutive unchanged-height samples that end a descent
	Budget       time.Duration
}

// DefaultScrollConfig returns the tuning that works against the launch
// retailers' listing pages.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{
		StepDown:     300,
		StepUp:       400,
		Settle:       2 * time.Second,
		SettleUp:     1500 * time.Millisecond,
		BottomSettle: 3 * time.Second,
		FinalSettle:  5 * time.Second,
		MaxSteps:     50,
		StableSteps:  3,
		Budget:       4 * time.Minute,
	}
}

func (c ScrollConfig) withDefaults() ScrollConfig {
	d := DefaultScrollConfig()
	if c.StepDown <= 0 {
		c.StepDown = d.StepDown
	}
	if c.StepUp <= 0 {
		c.StepUp = d.StepUp
	}
	if c.Settle <= 0 {
		c.Settle = d.Settle
	}
	if c.SettleUp <= 0 {
		c.SettleUp = d.SettleUp
	}
	if c.BottomSettle <= 0 {
		c.BottomSettle = d.BottomSettle
	}
	if c.FinalSettle <= 0 {
		c.FinalSettle = d.FinalSettle
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.StableSteps <= 0 {
		c.StableSteps = d.StableSteps
	}
	if c.Budget <= 0 {
		c.Budget = d.Budget
	}
	return c
}

// Converge walks the page down, back up, and down again until the rendered
// height stabilizes, so viewport-triggered lazy loaders fire in both
// directions. Single-direction scrolling under-loads this class of site.
// Exhausting the wall-clock budget ends the walk without error; extraction
// proceeds with whatever has been rendered. cancelled is polled at phase
// boundaries and may be nil.
func Converge(ctx context.Context, page Page, cfg ScrollConfig, cancelled func() bool) error {
	cfg = cfg.withDefaults()

	budgetCtx, cancel := context.WithTimeout(ctx, cfg.Budget)
	defer cancel()

	phases := []func(context.Context, Page, ScrollConfig) error{
		scrollDown,
		scrollUp,
		scrollDown,
	}
	for _, phase := range phases {
		if cancelled != nil && cancelled() {
			return ErrCancelled
		}
		if err := phase(budgetCtx, page, cfg); err != nil {
			if budgetExhausted(ctx, budgetCtx) {
				return nil
			}
			return err
		}
	}

	if err := sleep(budgetCtx, cfg.FinalSettle); err != nil && !budgetExhausted(ctx, budgetCtx) {
		return err
	}
	return nil
}

// scrollDown advances in fixed steps until the page height holds still for
// StableSteps consecutive samples or MaxSteps is hit, then jumps to the
// bottom to catch trailing lazy content.
func scrollDown(ctx context.Context, page Page, cfg ScrollConfig) error {
	previousHeight := 0
	stable := 0

	for i := 0; i < cfg.MaxSteps; i++ {
		if err := page.ScrollBy(ctx, cfg.StepDown); err != nil {
			return err
		}
		if err := sleep(ctx, cfg.Settle); err != nil {
			return err
		}

		height, err := page.ScrollHeight(ctx)
		if err != nil {
			return err
		}
		if height == previousHeight {
			stable++
			if stable >= cfg.StableSteps {
				break
			}
		} else {
			stable = 0
		}
		previousHeight = height
	}

	height, err := page.ScrollHeight(ctx)
	if err != nil {
		return err
	}
	if err := page.ScrollTo(ctx, height); err != nil {
		return err
	}
	return sleep(ctx, cfg.BottomSettle)
}

// scrollUp walks back to the top at a coarser step, triggering handlers that
// only fire on upward viewport entry.
func scrollUp(ctx context.Context, page Page, cfg ScrollConfig) error {
	pos, err := page.ScrollPosition(ctx)
	if err != nil {
		return err
	}
	for pos > 0 {
		pos = max(0, pos-cfg.StepUp)
		if err := page.ScrollTo(ctx, pos); err != nil {
			return err
		}
		if err := sleep(ctx, cfg.SettleUp); err != nil {
			return err
		}
	}
	if err := page.ScrollTo(ctx, 0); err != nil {
		return err
	}
	return sleep(ctx, cfg.SettleUp)
}

// budgetExhausted reports that the budget context expired while the parent
// is still alive.
func budgetExhausted(parent, budget context.Context) bool {
	return budget.Err() != nil && parent.Err() == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

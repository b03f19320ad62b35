package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakePage simulates a lazy-loading listing page: content grows with each
// downward scroll until pageHeight reaches maxHeight, and elements are plain
// maps keyed by container index and field locator.
type fakePage struct {
	height    int
	maxHeight int
	growth    int
	pos       int

	navigated []string
	dismissed bool

	counts map[string]int
	texts  map[string]string // key: field|index
	attrs  map[string]string // key: field|index|attr

	scrollErr error
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) DismissOverlays(_ context.Context, _ []string) (bool, error) {
	p.dismissed = true
	return true, nil
}

func (p *fakePage) ScrollBy(_ context.Context, delta int) error {
	if p.scrollErr != nil {
		return p.scrollErr
	}
	p.pos += delta
	if delta > 0 && p.height < p.maxHeight {
		p.height += p.growth
		if p.height > p.maxHeight {
			p.height = p.maxHeight
		}
	}
	return nil
}

func (p *fakePage) ScrollTo(_ context.Context, pos int) error {
	p.pos = pos
	return nil
}

func (p *fakePage) ScrollHeight(_ context.Context) (int, error) { return p.height, nil }

func (p *fakePage) ScrollPosition(_ context.Context) (int, error) { return p.pos, nil }

func (p *fakePage) Count(_ context.Context, locator string) (int, error) {
	return p.counts[locator], nil
}

func (p *fakePage) Text(_ context.Context, _ string, index int, field string) (string, error) {
	return p.texts[fmt.Sprintf("%s|%d", field, index)], nil
}

func (p *fakePage) Attribute(_ context.Context, _ string, index int, field, attr string) (string, error) {
	return p.attrs[fmt.Sprintf("%s|%d|%s", field, index, attr)], nil
}

type fakeFactory struct {
	page     *fakePage
	released bool
}

func (f *fakeFactory) NewPage(context.Context) (Page, func(), error) {
	return f.page, func() { f.released = true }, nil
}

// instantScroll removes all settle delays so scroll tests run in microseconds.
func instantScroll() ScrollConfig {
	return ScrollConfig{
		StepDown:     300,
		StepUp:       400,
		Settle:       time.Nanosecond,
		SettleUp:     time.Nanosecond,
		BottomSettle: time.Nanosecond,
		FinalSettle:  time.Nanosecond,
		MaxSteps:     50,
		StableSteps:  3,
		Budget:       5 * time.Second,
	}
}

func TestConvergeStopsOnStableHeight(t *testing.T) {
	page := &fakePage{height: 1000, maxHeight: 3000, growth: 500}
	if err := Converge(context.Background(), page, instantScroll(), nil); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if page.height != page.maxHeight {
		t.Errorf("height = %d, want full page %d", page.height, page.maxHeight)
	}
	// After down-up-down the cursor sits at the bottom.
	if page.pos != page.height {
		t.Errorf("final position = %d, want bottom %d", page.pos, page.height)
	}
}

func TestConvergeBudgetExhaustionIsNotAnError(t *testing.T) {
	cfg := instantScroll()
	cfg.Settle = 50 * time.Millisecond
	cfg.Budget = 30 * time.Millisecond
	// The page never stabilizes, so only the budget can end the walk.
	page := &fakePage{height: 1000, maxHeight: 1 << 30, growth: 500}
	if err := Converge(context.Background(), page, cfg, nil); err != nil {
		t.Fatalf("budget exhaustion should end the walk cleanly, got %v", err)
	}
}

func TestConvergePropagatesParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := &fakePage{height: 1000, maxHeight: 2000, growth: 500}
	err := Converge(ctx, page, instantScroll(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestConvergeHonorsCancelPoll(t *testing.T) {
	page := &fakePage{height: 1000, maxHeight: 1000}
	err := Converge(context.Background(), page, instantScroll(), func() bool { return true })
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestConvergeReturnsScrollErrors(t *testing.T) {
	boom := errors.New("tab crashed")
	page := &fakePage{height: 1000, maxHeight: 2000, growth: 500, scrollErr: boom}
	if err := Converge(context.Background(), page, instantScroll(), nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func testPlan() Plan {
	return Plan{
		Containers:   FieldChain{".tile", ".fallback"},
		Name:         FieldChain{".title-new", ".title-old"},
		Price:        FieldChain{".price"},
		Unit:         FieldChain{".unit"},
		Availability: FieldChain{".avail"},
		Description:  FieldChain{".desc"},
		Image:        FieldChain{"img"},
		Detail:       FieldChain{"a"},
	}
}

func TestResolvePicksBestContainerLocator(t *testing.T) {
	page := &fakePage{
		counts: map[string]int{".tile": 1, ".fallback": 3},
		texts: map[string]string{
			".title-new|0": "Butter", ".price|0": "1,99",
			".title-new|1": "Milch", ".price|1": "0,89",
			".title-new|2": "Brot", ".price|2": "2,49",
		},
	}
	records, examined, err := Resolve(context.Background(), page, testPlan(), "https://shop.example", 0, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if examined != 3 {
		t.Errorf("examined = %d, want 3 (locator with most matches)", examined)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
}

func TestResolveFieldFallbackChain(t *testing.T) {
	page := &fakePage{
		counts: map[string]int{".tile": 1},
		texts: map[string]string{
			// New title locator empty, old generation still carries text.
			".title-old|0": "Joghurt",
			".price|0":     "0,59",
		},
	}
	records, _, err := Resolve(context.Background(), page, testPlan(), "", 0, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(records) != 1 || records[0].Name != "Joghurt" {
		t.Fatalf("records = %+v, want one record named Joghurt", records)
	}
}

func TestResolveDropsRecordsMissingNameOrPrice(t *testing.T) {
	page := &fakePage{
		counts: map[string]int{".tile": 3},
		texts: map[string]string{
			".title-new|0": "Butter", ".price|0": "1,99",
			".title-new|1": "Nur Name", // no price
			".price|2":     "0,50",     // no name
		},
	}
	records, examined, err := Resolve(context.Background(), page, testPlan(), "", 0, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if examined != 3 {
		t.Errorf("examined = %d, want 3", examined)
	}
	if len(records) != 1 || records[0].Name != "Butter" {
		t.Fatalf("records = %+v, want only Butter", records)
	}
}

func TestResolveZeroMatchesIsEmptyNotError(t *testing.T) {
	page := &fakePage{counts: map[string]int{}}
	records, examined, err := Resolve(context.Background(), page, testPlan(), "", 0, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(records) != 0 || examined != 0 {
		t.Fatalf("got %d records / %d examined, want zero of both", len(records), examined)
	}
}

func TestResolveRespectsLimit(t *testing.T) {
	page := &fakePage{counts: map[string]int{".tile": 10}, texts: map[string]string{}}
	for i := 0; i < 10; i++ {
		page.texts[fmt.Sprintf(".title-new|%d", i)] = fmt.Sprintf("Artikel %d", i)
		page.texts[fmt.Sprintf(".price|%d", i)] = "1,00"
	}
	records, examined, err := Resolve(context.Background(), page, testPlan(), "", 4, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if examined != 4 || len(records) != 4 {
		t.Fatalf("examined=%d records=%d, want 4/4", examined, len(records))
	}
}

func TestResolveURLHandling(t *testing.T) {
	page := &fakePage{
		counts: map[string]int{".tile": 3},
		texts: map[string]string{
			".title-new|0": "A", ".price|0": "1",
			".title-new|1": "B", ".price|1": "1",
			".title-new|2": "C", ".price|2": "1",
		},
		attrs: map[string]string{
			"img|0|src": "//cdn.example/a.jpg",
			"a|0|href":  "/p/a",
			"img|1|src": "https://cdn.example/b.jpg",
			"a|1|href":  "https://shop.example/p/b",
		},
	}
	records, _, err := Resolve(context.Background(), page, testPlan(), "https://shop.example/", 0, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := records[0].ImageURL; got != "https://cdn.example/a.jpg" {
		t.Errorf("protocol-relative image = %q", got)
	}
	if got := records[0].DetailURL; got != "https://shop.example/p/a" {
		t.Errorf("site-relative detail = %q", got)
	}
	if got := records[1].ImageURL; got != "https://cdn.example/b.jpg" {
		t.Errorf("absolute image rewritten to %q", got)
	}
	if got := records[2].ImageURL; got != "" {
		t.Errorf("missing image = %q, want empty", got)
	}
}

func TestHarvesterRunTagsAndReportsProgress(t *testing.T) {
	page := &fakePage{
		height: 500, maxHeight: 500,
		counts: map[string]int{".tile": 3},
		texts: map[string]string{
			".title-new|0": "Butter", ".price|0": "1,99",
			".title-new|1": "Milch", ".price|1": "0,89",
			// container 2 has no price and is dropped, but still counts
			// as examined
			".title-new|2": "Eier",
		},
	}
	factory := &fakeFactory{page: page}
	cfg := SourceConfig{
		Name:            "Testmarkt",
		BaseURL:         "https://shop.example",
		ConsentKeywords: defaultConsentKeywords,
		Pages:           []PageTarget{{Category: "Angebote", URL: "https://shop.example/angebote"}},
		Plan:            testPlan(),
	}
	h := NewHarvester(factory, cfg, instantScroll(), 0, nil)

	var steps []string
	var last float64
	hooks := Hooks{Progress: func(step string, pct float64) {
		steps = append(steps, step)
		if pct < last {
			t.Errorf("progress went backwards: %s at %.1f after %.1f", step, pct, last)
		}
		last = pct
	}}

	records, examined, err := h.Run(context.Background(), hooks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if examined != 3 {
		t.Errorf("examined = %d, want 3 containers including the dropped one", examined)
	}
	for _, rec := range records {
		if rec.Source != "Testmarkt" || rec.Category != "Angebote" {
			t.Errorf("record tagged %q/%q, want Testmarkt/Angebote", rec.Source, rec.Category)
		}
	}
	if !page.dismissed {
		t.Error("consent overlay was not dismissed")
	}
	if !factory.released {
		t.Error("page was not released")
	}
	if last != 60 {
		t.Errorf("final progress = %.1f, want 60", last)
	}
	if len(steps) == 0 || !strings.Contains(steps[len(steps)-1], "complete") {
		t.Errorf("steps = %v, want a completion step last", steps)
	}
}

func TestHarvesterRunCancellation(t *testing.T) {
	factory := &fakeFactory{page: &fakePage{height: 100, maxHeight: 100}}
	cfg := SourceConfig{
		Name:  "Testmarkt",
		Pages: []PageTarget{{Category: "A", URL: "https://shop.example/a"}},
		Plan:  testPlan(),
	}
	h := NewHarvester(factory, cfg, instantScroll(), 0, nil)
	_, _, err := h.Run(context.Background(), Hooks{Cancelled: func() bool { return true }})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestDefaultSourcesAreWellFormed(t *testing.T) {
	sources := DefaultSources()
	if len(sources) == 0 {
		t.Fatal("no built-in sources")
	}
	for _, src := range sources {
		if src.Name == "" || src.BaseURL == "" || len(src.Pages) == 0 {
			t.Errorf("source %+v incomplete", src.Name)
		}
		if len(src.Plan.Containers) == 0 || len(src.Plan.Name) == 0 || len(src.Plan.Price) == 0 {
			t.Errorf("source %s missing locator chains", src.Name)
		}
	}
	if _, ok := FindSource("Lidl"); !ok {
		t.Error("FindSource(Lidl) not found")
	}
	if _, ok := FindSource("Unbekannt"); ok {
		t.Error("FindSource(Unbekannt) unexpectedly found")
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/preisradar/preisradar/internal/catalog"
	"github.com/preisradar/preisradar/internal/config"
	"github.com/preisradar/preisradar/internal/harvest"
	"github.com/preisradar/preisradar/internal/tracker"
)

// fakeStore is an in-memory catalog.Store.
type fakeStore struct {
	mu      sync.Mutex
	sources map[string]*catalog.Source
	nextID  int64

	replaced    map[int64][]catalog.Item
	jobTag      string
	staleBefore time.Time

	// raceOnCreate simulates a concurrent crawl winning the source insert:
	// the first CreateSource reports a duplicate and materializes the row.
	raceOnCreate bool
	findErr      error
	replaceErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:  make(map[string]*catalog.Source),
		replaced: make(map[int64][]catalog.Item),
		nextID:   1,
	}
}

func (s *fakeStore) FindSourceByName(_ context.Context, name string) (*catalog.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	if src, ok := s.sources[name]; ok {
		return src, nil
	}
	return nil, catalog.ErrSourceNotFound
}

func (s *fakeStore) CreateSource(_ context.Context, name, baseURL string) (*catalog.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[name]; ok {
		return nil, catalog.ErrDuplicateSource
	}
	src := &catalog.Source{ID: s.nextID, Name: name, BaseURL: baseURL, Enabled: true}
	s.nextID++
	s.sources[name] = src
	if s.raceOnCreate {
		s.raceOnCreate = false
		return nil, catalog.ErrDuplicateSource
	}
	return src, nil
}

func (s *fakeStore) SetSourceEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return catalog.ErrSourceNotFound
	}
	src.Enabled = enabled
	return nil
}

func (s *fakeStore) ListSources(context.Context) ([]catalog.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Source
	for _, src := range s.sources {
		out = append(out, *src)
	}
	return out, nil
}

func (s *fakeStore) ReplaceItems(_ context.Context, sourceID int64, items []catalog.Item, jobTag string, staleBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.replaced[sourceID] = items
	s.jobTag = jobTag
	s.staleBefore = staleBefore
	return nil
}

func (s *fakeStore) ActiveItemCount(_ context.Context, sourceID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced[sourceID]), nil
}

func (s *fakeStore) ActiveItems(_ context.Context, sourceID int64, _ int) ([]catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced[sourceID], nil
}

// fixturePage serves a listing of 12 product tiles where two lack a price,
// so a full crawl persists ten items.
type fixturePage struct {
	texts map[string]string
}

func newFixturePage() *fixturePage {
	p := &fixturePage{texts: make(map[string]string)}
	for i := 0; i < 12; i++ {
		p.texts[fmt.Sprintf(".title|%d", i)] = fmt.Sprintf("Artikel %d", i)
		if i != 3 && i != 7 {
			p.texts[fmt.Sprintf(".price|%d", i)] = fmt.Sprintf("%d,99", i+1)
		}
	}
	return p
}

func (p *fixturePage) Navigate(context.Context, string) error { return nil }
func (p *fixturePage) DismissOverlays(context.Context, []string) (bool, error) {
	return false, nil
}
func (p *fixturePage) ScrollBy(context.Context, int) error      { return nil }
func (p *fixturePage) ScrollTo(context.Context, int) error      { return nil }
func (p *fixturePage) ScrollHeight(context.Context) (int, error) { return 100, nil }
func (p *fixturePage) ScrollPosition(context.Context) (int, error) {
	return 0, nil
}
func (p *fixturePage) Count(_ context.Context, locator string) (int, error) {
	if locator == ".tile" {
		return 12, nil
	}
	return 0, nil
}
func (p *fixturePage) Text(_ context.Context, _ string, index int, field string) (string, error) {
	return p.texts[fmt.Sprintf("%s|%d", field, index)], nil
}
func (p *fixturePage) Attribute(context.Context, string, int, string, string) (string, error) {
	return "", nil
}

type fixtureFactory struct{ page harvest.Page }

func (f *fixtureFactory) NewPage(context.Context) (harvest.Page, func(), error) {
	return f.page, func() {}, nil
}

func testSources() []harvest.SourceConfig {
	return []harvest.SourceConfig{{
		Name:    "Testmarkt",
		BaseURL: "https://shop.example",
		Pages:   []harvest.PageTarget{{Category: "Angebote", URL: "https://shop.example/angebote"}},
		Plan: harvest.Plan{
			Containers: harvest.FieldChain{".tile"},
			Name:       harvest.FieldChain{".title"},
			Price:      harvest.FieldChain{".price"},
		},
	}}
}

func testCrawlerConfig() config.CrawlerConfig {
	return config.CrawlerConfig{
		MinInterval:       time.Minute,
		FreshnessWindow:   7 * 24 * time.Hour,
		HistoryLimit:      50,
		MaxPerSource:      1000,
		ScrollStepDown:    300,
		ScrollStepUp:      400,
		ScrollSettle:      time.Nanosecond,
		ScrollSettleUp:    time.Nanosecond,
		ScrollFinalSettle: time.Nanosecond,
		ScrollMaxSteps:    5,
		ScrollStableSteps: 2,
		ScrollBudget:      time.Second,
	}
}

func newTestCoordinator(t *testing.T, store catalog.Store) (*Coordinator, *tracker.Tracker) {
	t.Helper()
	trk := tracker.New(tracker.Config{MinInterval: time.Minute, HistoryLimit: 50}, nil)
	rec := catalog.NewReconciler(nil)
	coord := New(store, &fixtureFactory{page: newFixturePage()}, trk, rec,
		testSources(), testCrawlerConfig(), nil)
	return coord, trk
}

func TestRunCrawlEndToEnd(t *testing.T) {
	store := newFakeStore()
	coord, trk := newTestCoordinator(t, store)

	jobID, err := trk.StartCrawl("Testmarkt", tracker.KindManual, "10115", "test")
	if err != nil {
		t.Fatalf("StartCrawl: %v", err)
	}

	success, errCount, err := coord.RunCrawl(context.Background(), "Testmarkt", "10115", jobID)
	if err != nil {
		t.Fatalf("RunCrawl: %v", err)
	}
	if success != 10 || errCount != 0 {
		t.Errorf("success=%d errs=%d, want 10/0 (two tiles lack a price)", success, errCount)
	}

	items := store.replaced[1]
	if len(items) != 10 {
		t.Fatalf("persisted %d items, want 10", len(items))
	}
	for _, it := range items {
		if it.PostalCode.String != "10115" {
			t.Errorf("item postal = %q, want 10115", it.PostalCode.String)
		}
	}
	if store.jobTag != jobID {
		t.Errorf("batch tagged with %q, want job id %q", store.jobTag, jobID)
	}

	jobs := trk.History(1)
	if len(jobs) != 1 {
		t.Fatalf("history = %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Status != tracker.StatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if job.ItemsDone != 10 || job.ItemsFound != 12 {
		t.Errorf("job counts done=%d found=%d, want 10/12", job.ItemsDone, job.ItemsFound)
	}
	if job.Progress != 100 {
		t.Errorf("job progress = %.1f, want 100", job.Progress)
	}
}

func TestRunCrawlProvisionsSourceOnFirstCrawl(t *testing.T) {
	store := newFakeStore()
	coord, trk := newTestCoordinator(t, store)

	jobID, _ := trk.StartCrawl("Testmarkt", tracker.KindManual, "", "test")
	if _, _, err := coord.RunCrawl(context.Background(), "Testmarkt", "", jobID); err != nil {
		t.Fatalf("RunCrawl: %v", err)
	}
	src, ok := store.sources["Testmarkt"]
	if !ok {
		t.Fatal("source row was not created")
	}
	if !src.Enabled {
		t.Error("freshly provisioned source is not enabled")
	}
}

func TestRunCrawlRefusesDisabledSource(t *testing.T) {
	store := newFakeStore()
	if _, err := store.CreateSource(context.Background(), "Testmarkt", "https://shop.example"); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if err := store.SetSourceEnabled(context.Background(), "Testmarkt", false); err != nil {
		t.Fatalf("SetSourceEnabled: %v", err)
	}
	coord, trk := newTestCoordinator(t, store)

	jobID, _ := trk.StartCrawl("Testmarkt", tracker.KindManual, "", "test")
	_, _, err := coord.RunCrawl(context.Background(), "Testmarkt", "", jobID)
	if !errors.Is(err, ErrSourceDisabled) {
		t.Fatalf("err = %v, want ErrSourceDisabled", err)
	}
	if len(store.replaced) != 0 {
		t.Error("disabled source still persisted items")
	}
	job := trk.History(1)[0]
	if job.Status != tracker.StatusFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
}

func TestRunCrawlSurvivesProvisioningRace(t *testing.T) {
	store := newFakeStore()
	store.raceOnCreate = true
	coord, trk := newTestCoordinator(t, store)

	jobID, _ := trk.StartCrawl("Testmarkt", tracker.KindManual, "", "test")
	success, _, err := coord.RunCrawl(context.Background(), "Testmarkt", "", jobID)
	if err != nil {
		t.Fatalf("RunCrawl after insert race: %v", err)
	}
	if success != 10 {
		t.Errorf("success = %d, want 10", success)
	}
}

func TestRunCrawlPersistFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	store.replaceErr = errors.New("connection reset")
	coord, trk := newTestCoordinator(t, store)

	jobID, _ := trk.StartCrawl("Testmarkt", tracker.KindManual, "", "test")
	if _, _, err := coord.RunCrawl(context.Background(), "Testmarkt", "", jobID); err == nil {
		t.Fatal("want persistence error")
	}

	job := trk.History(1)[0]
	if job.Status != tracker.StatusFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	if job.ErrorDetail == "" {
		t.Error("failed job carries no error detail")
	}
}

func TestLaunchRejectsUnknownSource(t *testing.T) {
	store := newFakeStore()
	coord, _ := newTestCoordinator(t, store)

	_, err := coord.Launch(context.Background(), "Phantasiemarkt", "", "test", tracker.KindManual)
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestLaunchEnforcesRateLimit(t *testing.T) {
	store := newFakeStore()
	coord, trk := newTestCoordinator(t, store)

	jobID, err := coord.Launch(context.Background(), "Testmarkt", "", "test", tracker.KindManual)
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}

	// Wait for the background crawl to finish so the second attempt hits
	// the rate-limit window, not the already-running guard.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if trk.IsCancelled(jobID) {
			break
		}
		if job, err := trk.JobStatus(jobID); err == nil && job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background crawl did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var rateErr *tracker.RateLimitedError
	if _, err := coord.Launch(context.Background(), "Testmarkt", "", "test", tracker.KindManual); !errors.As(err, &rateErr) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
}

func TestRunCrawlCancellationSkipsPersistence(t *testing.T) {
	store := newFakeStore()
	coord, trk := newTestCoordinator(t, store)

	jobID, _ := trk.StartCrawl("Testmarkt", tracker.KindManual, "", "test")
	if err := trk.Cancel(jobID, "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, _, err := coord.RunCrawl(context.Background(), "Testmarkt", "", jobID)
	if !errors.Is(err, harvest.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(store.replaced) != 0 {
		t.Error("cancelled crawl persisted items")
	}
}

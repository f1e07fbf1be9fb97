package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/agent"
	"github.com/mohammad-safakhou/scout/internal/analyzer"
	"github.com/mohammad-safakhou/scout/internal/helpers"
	"github.com/mohammad-safakhou/scout/internal/scraper"
	"github.com/mohammad-safakhou/scout/internal/store"
	"github.com/mohammad-safakhou/scout/provider"
)

// ErrRunActive is returned when a run is triggered for a user who already
// has one in flight.
var ErrRunActive = errors.New("a run is already active for this user")

// Store is the persistence surface the orchestrator drives.
type Store interface {
	ListActiveSources(ctx context.Context, userID string) ([]store.Source, error)
	GetUserSettings(ctx context.Context, userID string) (store.UserSettings, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	CreateRun(ctx context.Context, userID string) (store.Run, error)
	RunStatus(ctx context.Context, id string) (string, error)
	UpdateRunProgress(ctx context.Context, id string, sourcesChecked, itemsFound, itemsQueued, itemsScraped, itemsAnalyzed int) error
	FinalizeRun(ctx context.Context, id, status, errMsg string) error
	MarkSeen(ctx context.Context, userID, fingerprint, url string) (bool, error)
	InsertArticle(ctx context.Context, userID, title, url, fingerprint, sourceName string) (string, bool, error)
	SetArticleStatus(ctx context.Context, id, status string) error
	CompleteArticle(ctx context.Context, id, content string, a store.ArticleAnalysis) error
	FailArticle(ctx context.Context, id, content string) error
	AdvanceLastCheck(ctx context.Context, userID string, to time.Time) error
	InsertEvent(ctx context.Context, userID, runID, stage, eventType, message string, metadata []byte) error
}

// Discoverer runs the tool-calling discovery loop over a set of sources.
type Discoverer interface {
	Run(ctx context.Context, sources []agent.Source, since time.Time, topics []string, progress func(agent.Source)) agent.Result
}

// ContentScraper fetches and extracts one article body.
type ContentScraper interface {
	Scrape(ctx context.Context, url string) scraper.Result
}

// ArticleAnalyzer extracts structured insights from one article.
type ArticleAnalyzer interface {
	Analyze(ctx context.Context, title, content, url string) (analyzer.Analysis, error)
}

// Deps bundles everything the orchestrator needs. NewProvider,
// NewDiscoverer and NewAnalyzer have working defaults; tests override them.
type Deps struct {
	Store    Store
	Lock     RunLock
	Fetcher  agent.ToolExecutor
	Scraper  ContentScraper
	Resolver *provider.Resolver
	Config   config.PipelineConfig
	Routing  config.LLMRoutingConfig
	Debug    bool
	Logger   *log.Logger
	Metrics  *Metrics

	NewProvider   func(apiKey string) provider.LLMProvider
	NewDiscoverer func(llm provider.LLMProvider, sink agent.EventSink, model string) Discoverer
	NewAnalyzer   func(llm provider.LLMProvider, model string) ArticleAnalyzer
}

// Orchestrator sequences discovery, dedup, persistence and scrape+analyze
// for one user at a time.
type Orchestrator struct {
	deps Deps
	now  func() time.Time
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Scraper == nil {
		return nil, fmt.Errorf("pipeline: scraper is required")
	}
	if deps.Resolver == nil {
		deps.Resolver = &provider.Resolver{}
	}
	if deps.Lock == nil {
		deps.Lock = NewMemoryLock()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	if deps.NewDiscoverer == nil {
		if deps.Fetcher == nil {
			return nil, fmt.Errorf("pipeline: fetcher is required")
		}
		cfg := deps.Config
		debug := deps.Debug
		logger := deps.Logger
		fetch := deps.Fetcher
		deps.NewDiscoverer = func(llm provider.LLMProvider, sink agent.EventSink, model string) Discoverer {
			return agent.New(llm, fetch, sink, agent.Config{
				Model:            model,
				BatchSize:        cfg.SourceBatchSize,
				MaxIterations:    cfg.MaxIterations,
				ContextBudget:    cfg.ContextBudget,
				ToolResultBudget: cfg.ToolResultBudget,
				Debug:            debug,
			}, logger)
		}
	}
	if deps.NewAnalyzer == nil {
		logger := deps.Logger
		deps.NewAnalyzer = func(llm provider.LLMProvider, model string) ArticleAnalyzer {
			return analyzer.New(llm, analyzer.Config{Model: model}, logger)
		}
	}
	return &Orchestrator{deps: deps, now: time.Now}, nil
}

// Start creates a run record and executes the pipeline in the background.
// It returns the run ID immediately, or ErrRunActive when the user already
// has a run in flight.
func (o *Orchestrator) Start(ctx context.Context, userID string) (string, error) {
	run, err := o.begin(ctx, userID)
	if err != nil {
		return "", err
	}
	go o.execute(context.Background(), run)
	return run.ID, nil
}

// RunUser executes a full run synchronously and returns the run ID.
func (o *Orchestrator) RunUser(ctx context.Context, userID string) (string, error) {
	run, err := o.begin(ctx, userID)
	if err != nil {
		return "", err
	}
	o.execute(ctx, run)
	return run.ID, nil
}

// RunAll fans out over every user with active sources, strictly one user at
// a time. A user whose run fails does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	users, err := o.deps.Store.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	for _, userID := range users {
		if _, err := o.RunUser(ctx, userID); err != nil {
			o.deps.Logger.Printf("run for user %s not started: %v", userID, err)
		}
	}
	return nil
}

func (o *Orchestrator) begin(ctx context.Context, userID string) (store.Run, error) {
	ttl := o.deps.Config.MaxRunDuration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	ok, err := o.deps.Lock.Acquire(ctx, userID, ttl)
	if err != nil {
		return store.Run{}, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return store.Run{}, ErrRunActive
	}
	run, err := o.deps.Store.CreateRun(ctx, userID)
	if err != nil {
		_ = o.deps.Lock.Release(ctx, userID)
		return store.Run{}, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// runState accumulates the counters written to the run record.
type runState struct {
	sourcesChecked int
	itemsFound     int
	itemsQueued    int
	itemsScraped   int
	itemsAnalyzed  int
}

// stub is one pending article queued for scrape+analyze.
type stub struct {
	articleID string
	title     string
	url       string
	source    string
}

func (o *Orchestrator) execute(ctx context.Context, run store.Run) {
	started := o.now()
	if o.deps.Config.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.Config.MaxRunDuration)
		defer cancel()
	}

	var st runState
	status := store.RunStatusCompleted
	var runErr string

	defer func() {
		// Finalize on a detached context so a run that hit its deadline
		// still reaches a terminal status and releases its lock.
		fctx := context.WithoutCancel(ctx)
		if r := recover(); r != nil {
			status = store.RunStatusFailed
			runErr = fmt.Sprintf("panic: %v", r)
			o.emit(fctx, run, "finalize", "error", runErr, nil)
		} else if ctx.Err() != nil && status == store.RunStatusCompleted {
			status = store.RunStatusFailed
			runErr = fmt.Sprintf("run aborted: %v", ctx.Err())
			o.emit(fctx, run, "finalize", "error", runErr, nil)
		}
		_ = o.deps.Store.UpdateRunProgress(fctx, run.ID, st.sourcesChecked, st.itemsFound, st.itemsQueued, st.itemsScraped, st.itemsAnalyzed)
		if err := o.deps.Store.FinalizeRun(fctx, run.ID, status, runErr); err != nil {
			o.deps.Logger.Printf("finalizing run %s: %v", run.ID, err)
		}
		_ = o.deps.Lock.Release(fctx, run.UserID)
		final, _ := o.deps.Store.RunStatus(fctx, run.ID)
		if final == "" {
			final = status
		}
		o.deps.Metrics.RunFinished(final, o.now().Sub(started))
		o.emit(fctx, run, "finalize", "stage_complete",
			fmt.Sprintf("run finished with status %s", final),
			map[string]interface{}{
				"status": final, "sources_checked": st.sourcesChecked,
				"items_found": st.itemsFound, "items_queued": st.itemsQueued,
				"items_scraped": st.itemsScraped, "items_analyzed": st.itemsAnalyzed,
			})
	}()

	// Phase 1: load config.
	o.emit(ctx, run, "config", "stage_start", "loading sources and settings", nil)
	settings, err := o.deps.Store.GetUserSettings(ctx, run.UserID)
	if err != nil {
		status, runErr = store.RunStatusFailed, fmt.Sprintf("loading settings: %v", err)
		o.emit(ctx, run, "config", "error", runErr, nil)
		return
	}
	sources, err := o.deps.Store.ListActiveSources(ctx, run.UserID)
	if err != nil {
		status, runErr = store.RunStatusFailed, fmt.Sprintf("loading sources: %v", err)
		o.emit(ctx, run, "config", "error", runErr, nil)
		return
	}
	if len(sources) == 0 {
		o.emit(ctx, run, "config", "stage_complete", "no active sources configured, nothing to do", nil)
		return
	}
	o.emit(ctx, run, "config", "stage_complete",
		fmt.Sprintf("%d active sources", len(sources)),
		map[string]interface{}{"sources": len(sources)})

	// Cancellation check before discovery.
	if o.cancelled(ctx, run) {
		status = store.RunStatusCancelled
		return
	}

	// Phase 3: since-date with safety buffer.
	since := o.sinceDate(settings.LastCheckAt)

	// Phase 4: discovery.
	key, err := o.deps.Resolver.Resolve(ctx, run.UserID, provider.OpenAI)
	if err != nil {
		status, runErr = store.RunStatusFailed, fmt.Sprintf("resolving credential: %v", err)
		o.emit(ctx, run, "discovery", "error", runErr, nil)
		return
	}
	llm := o.newProvider(key)
	sink := &storeSink{o: o, ctx: ctx, run: run}

	discoveryModel := settings.DiscoveryModel
	if discoveryModel == "" {
		discoveryModel = o.deps.Routing.Discovery
	}
	o.emit(ctx, run, "discovery", "stage_start",
		fmt.Sprintf("discovering since %s across %d sources", since.Format("2006-01-02"), len(sources)), nil)

	agentSources := make([]agent.Source, 0, len(sources))
	for _, s := range sources {
		agentSources = append(agentSources, agent.Source{Name: s.Name, URL: s.URL})
	}
	d := o.deps.NewDiscoverer(llm, sink, discoveryModel)
	res := d.Run(ctx, agentSources, since, settings.Topics, func(s agent.Source) {
		o.emit(ctx, run, "discovery", "stage_progress", fmt.Sprintf("checking %s", s.URL), nil)
	})
	st.sourcesChecked = res.Summary.SourcesChecked
	st.itemsFound = res.Summary.ItemsFound
	o.deps.Metrics.Discovered(len(res.Discoveries))
	o.emit(ctx, run, "discovery", "stage_complete",
		fmt.Sprintf("%d items from %d sources", st.itemsFound, st.sourcesChecked),
		map[string]interface{}{"items_found": st.itemsFound, "titles": sampleTitles(res.Discoveries, 5)})
	_ = o.deps.Store.UpdateRunProgress(ctx, run.ID, st.sourcesChecked, st.itemsFound, 0, 0, 0)

	// Phase 5: dedup and stub creation, strictly sequential so two
	// discoveries of one URL in a run cannot both pass the unseen check.
	o.emit(ctx, run, "dedup", "stage_start", fmt.Sprintf("deduplicating %d discoveries", len(res.Discoveries)), nil)
	var stubs []stub
	duplicates := 0
	for _, disc := range res.Discoveries {
		canonical, err := helpers.CanonicalURL(disc.URL)
		if err != nil {
			o.emit(ctx, run, "dedup", "error", fmt.Sprintf("canonicalising %s: %v", disc.URL, err), nil)
			continue
		}
		fp, err := helpers.URLFingerprint(canonical)
		if err != nil {
			o.emit(ctx, run, "dedup", "error", fmt.Sprintf("fingerprinting %s: %v", canonical, err), nil)
			continue
		}
		fresh, err := o.deps.Store.MarkSeen(ctx, run.UserID, fp, canonical)
		if err != nil {
			o.emit(ctx, run, "dedup", "error", fmt.Sprintf("marking %s seen: %v", canonical, err), nil)
			continue
		}
		if !fresh {
			duplicates++
			continue
		}
		id, _, err := o.deps.Store.InsertArticle(ctx, run.UserID, disc.Title, canonical, fp, disc.Source)
		if err != nil {
			o.emit(ctx, run, "dedup", "error", fmt.Sprintf("creating article for %s: %v", canonical, err), nil)
			continue
		}
		stubs = append(stubs, stub{articleID: id, title: disc.Title, url: canonical, source: disc.Source})
	}
	st.itemsQueued = len(stubs)
	o.deps.Metrics.Duplicates(duplicates)
	o.emit(ctx, run, "dedup", "stage_complete",
		fmt.Sprintf("%d new, %d duplicates", len(stubs), duplicates),
		map[string]interface{}{"new": len(stubs), "duplicates": duplicates})
	_ = o.deps.Store.UpdateRunProgress(ctx, run.ID, st.sourcesChecked, st.itemsFound, st.itemsQueued, 0, 0)

	// Cancellation check before scraping. Discovery results are kept.
	if o.cancelled(ctx, run) {
		status = store.RunStatusCancelled
		return
	}

	// Phase 7: scrape+analyze over a bounded batch.
	limit := o.deps.Config.ScrapeBatchLimit
	if limit <= 0 {
		limit = 10
	}
	batch := stubs
	if len(batch) > limit {
		batch = batch[:limit]
	}
	analysisModel := settings.AnalysisModel
	if analysisModel == "" {
		analysisModel = o.deps.Routing.Analysis
	}
	an := o.deps.NewAnalyzer(llm, analysisModel)
	scraped, analyzed := o.processBatch(ctx, run, batch, an)
	st.itemsScraped = scraped
	st.itemsAnalyzed = analyzed

	// Phase 8: advance the watermark only when the run is still uncancelled.
	if o.cancelled(ctx, run) {
		status = store.RunStatusCancelled
		return
	}
	if err := o.deps.Store.AdvanceLastCheck(ctx, run.UserID, started); err != nil {
		o.emit(ctx, run, "finalize", "error", fmt.Sprintf("advancing watermark: %v", err), nil)
	}
}

// cancelled reads the stored run status so out-of-band cancellations are
// observed at phase boundaries.
func (o *Orchestrator) cancelled(ctx context.Context, run store.Run) bool {
	status, err := o.deps.Store.RunStatus(ctx, run.ID)
	if err != nil {
		return false
	}
	if status != store.RunStatusCancelled {
		return false
	}
	o.emit(ctx, run, "cancel", "stage_complete", "run cancelled by user", nil)
	return true
}

func (o *Orchestrator) sinceDate(lastCheck *time.Time) time.Time {
	buffer := o.deps.Config.SinceSafetyBuffer
	if buffer <= 0 {
		buffer = time.Hour
	}
	lookback := o.deps.Config.DefaultLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	if lastCheck == nil {
		return o.now().Add(-lookback)
	}
	return lastCheck.Add(-buffer)
}

// settled is one item's outcome from the scrape+analyze pool.
type settled struct {
	scraped  bool
	analyzed bool
}

// processBatch runs the scrape+analyze pool. Every item settles
// independently: a failing scrape, analysis or panic is recorded against
// that article and never stops its siblings.
func (o *Orchestrator) processBatch(ctx context.Context, run store.Run, batch []stub, an ArticleAnalyzer) (scraped, analyzed int) {
	if len(batch) == 0 {
		return 0, 0
	}
	workers := o.deps.Config.ScrapeWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(batch) {
		workers = len(batch)
	}
	o.emit(ctx, run, "scrape_analyze", "stage_start",
		fmt.Sprintf("processing %d articles with %d workers", len(batch), workers), nil)

	results := make([]settled, len(batch))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = o.processOne(ctx, run, batch[i], an)
			}
		}()
	}
	for i := range batch {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, r := range results {
		if r.scraped {
			scraped++
		}
		if r.analyzed {
			analyzed++
		}
	}
	o.deps.Metrics.Scraped(scraped)
	o.deps.Metrics.Analyzed(analyzed)
	o.emit(ctx, run, "scrape_analyze", "stage_complete",
		fmt.Sprintf("%d scraped, %d analyzed, %d failed", scraped, analyzed, len(batch)-analyzed),
		map[string]interface{}{"scraped": scraped, "analyzed": analyzed, "failed": len(batch) - analyzed})
	return scraped, analyzed
}

func (o *Orchestrator) processOne(ctx context.Context, run store.Run, item stub, an ArticleAnalyzer) (out settled) {
	defer func() {
		if r := recover(); r != nil {
			o.emit(ctx, run, "scrape_analyze", "error", fmt.Sprintf("%s: panic: %v", item.url, r), nil)
			_ = o.deps.Store.FailArticle(ctx, item.articleID, "")
			out = settled{}
		}
	}()

	_ = o.deps.Store.SetArticleStatus(ctx, item.articleID, store.AnalysisStatusAnalyzing)

	res := o.deps.Scraper.Scrape(ctx, item.url)
	if !res.Success {
		o.emit(ctx, run, "scrape_analyze", "error", fmt.Sprintf("scrape %s: %s", item.url, res.Error), nil)
		_ = o.deps.Store.FailArticle(ctx, item.articleID, "")
		return settled{}
	}
	out.scraped = true
	title := item.title
	if title == "" {
		title = res.Title
	}

	analysis, err := an.Analyze(ctx, title, res.Content, item.url)
	if err != nil {
		o.emit(ctx, run, "scrape_analyze", "error", fmt.Sprintf("analyze %s: %v", item.url, err), nil)
		_ = o.deps.Store.FailArticle(ctx, item.articleID, res.Content)
		return out
	}
	if err := o.deps.Store.CompleteArticle(ctx, item.articleID, res.Content, store.ArticleAnalysis{
		Industry:         analysis.Industry,
		Department:       analysis.Department,
		AITechnology:     analysis.AITechnology,
		BusinessImpact:   analysis.BusinessImpact,
		TechnicalDetails: analysis.TechnicalDetails,
		KeyInsights:      analysis.KeyInsights,
		Summary:          analysis.Summary,
		Tags:             analysis.Tags,
	}); err != nil {
		o.emit(ctx, run, "scrape_analyze", "error", fmt.Sprintf("persist %s: %v", item.url, err), nil)
		_ = o.deps.Store.FailArticle(ctx, item.articleID, res.Content)
		return out
	}
	out.analyzed = true
	o.emit(ctx, run, "scrape_analyze", "stage_progress", fmt.Sprintf("completed %s", item.url), nil)
	return out
}

func (o *Orchestrator) newProvider(apiKey string) provider.LLMProvider {
	if o.deps.NewProvider != nil {
		return o.deps.NewProvider(apiKey)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, run store.Run, stage, eventType, message string, metadata map[string]interface{}) {
	o.deps.Logger.Printf("[%s] %s %s: %s", run.ID, stage, eventType, message)
	var raw []byte
	if metadata != nil {
		raw, _ = json.Marshal(metadata)
	}
	if err := o.deps.Store.InsertEvent(ctx, run.UserID, run.ID, stage, eventType, message, raw); err != nil {
		o.deps.Logger.Printf("recording event for run %s: %v", run.ID, err)
	}
}

func sampleTitles(discoveries []agent.Candidate, n int) []string {
	if len(discoveries) < n {
		n = len(discoveries)
	}
	titles := make([]string, 0, n)
	for _, d := range discoveries[:n] {
		titles = append(titles, d.Title)
	}
	return titles
}

// storeSink forwards agent events into the run's activity trail.
type storeSink struct {
	o   *Orchestrator
	ctx context.Context
	run store.Run
}

func (s *storeSink) Event(stage, eventType, message string, metadata map[string]interface{}) {
	s.o.emit(s.ctx, s.run, stage, eventType, message, metadata)
}

// Package feed implements the feed fetcher (spec.md §4.C): a conditional
// GET against a syndication endpoint, parsed into a flat list of
// entries, with per-origin circuit breaking layered on top as a
// supplemental resilience measure (the scheduler's own per-origin
// politeness is a separate, spec-mandated concern; see internal/scheduler).
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/andrewmoise/rssbot/internal/obsmetrics"
)

// Outcome classifies a fetch result for metrics and scheduler branching
// (spec.md §4.C).
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNotModified Outcome = "not_modified"
	OutcomeFailure     Outcome = "failure"
)

// Entry is one (url, title, published) tuple extracted from a feed body.
type Entry struct {
	URL       string
	Title     string
	Published time.Time
}

// Result is everything the scheduler needs from one fetch attempt.
type Result struct {
	Outcome      Outcome
	Entries      []Entry // oldest-first, per spec.md §4.F step 2
	LastModified *string
	ETag         *string
}

const fetchTimeout = 30 * time.Second

// Fetcher issues conditional GETs and parses syndication bodies. One
// Fetcher is shared across all feeds; it keeps one circuit breaker per
// origin host so a misbehaving origin degrades gracefully instead of
// holding up the scheduler with repeated slow timeouts.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	parser     *gofeed.Parser
	log        *logrus.Logger
	metrics    *obsmetrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a Fetcher. userAgent is sent on every request
// (spec.md §6: "Lemmy RSSBot" by default, configurable via USER_AGENT).
// metrics may be nil in tests that don't care about circuit state.
func New(userAgent string, logger *logrus.Logger, metrics *obsmetrics.Metrics) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: fetchTimeout},
		userAgent:  userAgent,
		parser:     gofeed.NewParser(),
		log:        logger,
		metrics:    metrics,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *Fetcher) breakerFor(origin string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[origin]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    origin,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if f.metrics != nil {
				f.metrics.SetCircuitBreakerState(name, float64(to))
			}
		},
	})
	f.breakers[origin] = b
	return b
}

// Fetch performs one conditional GET against feedURL (spec.md §4.C). A
// tripped circuit breaker or any transport/parse failure is folded into
// OutcomeFailure with the prior validators preserved, matching the
// fetcher's "empty this cycle" contract.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string, lastModified, etag *string) Result {
	origin := originOf(feedURL)
	breaker := f.breakerFor(origin)

	raw, err := breaker.Execute(func() (interface{}, error) {
		return f.doFetch(ctx, feedURL, lastModified, etag)
	})
	if err != nil {
		if f.log != nil {
			f.log.WithError(err).WithField("feed_url", feedURL).Warn("feed fetch failed, skipping this cycle")
		}
		return Result{Outcome: OutcomeFailure, LastModified: lastModified, ETag: etag}
	}
	return raw.(Result)
}

func originOf(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

func (f *Fetcher) doFetch(ctx context.Context, feedURL string, lastModified, etag *string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if lastModified != nil {
		req.Header.Set("If-Modified-Since", *lastModified)
	}
	if etag != nil {
		req.Header.Set("If-None-Match", *etag)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("feed: GET %s: %w", feedURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return Result{Outcome: OutcomeNotModified, LastModified: lastModified, ETag: etag}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("feed: GET %s returned status %d", feedURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("feed: read body: %w", err)
	}

	parsed, err := f.parser.ParseString(string(body))
	if err != nil {
		return Result{}, fmt.Errorf("feed: parse %s: %w", feedURL, err)
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, Entry{
			URL:       item.Link,
			Title:     item.Title,
			Published: publishedOf(item),
		})
	}
	// Sort oldest-first by each entry's own timestamp rather than
	// assuming gofeed's document order is newest-first (spec.md §4.F
	// step 2's "oldest-first chronology" requirement, satisfied exactly
	// instead of approximated).
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Published.Before(entries[j].Published)
	})

	newLM := lastModified
	if v := resp.Header.Get("Last-Modified"); v != "" {
		newLM = &v
	}
	newETag := etag
	if v := resp.Header.Get("ETag"); v != "" {
		newETag = &v
	}

	return Result{
		Outcome:      OutcomeOK,
		Entries:      entries,
		LastModified: newLM,
		ETag:         newETag,
	}, nil
}

// publishedOf extracts an entry's timestamp, coercing to UTC, and
// stamping "now" when the feed carries no date at all (spec.md §4.C).
func publishedOf(item *gofeed.Item) time.Time {
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	return time.Now().UTC()
}

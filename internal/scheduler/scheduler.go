// Package scheduler implements the main loop (spec.md §4.F): a single
// logical control thread that interleaves sleeping, the command
// processor (4.G), and the per-feed fetch/publish procedure. Grounded in
// the teacher's monitor.go (RSSMonitor.Start/fetchAllFeeds/fetchFeed): a
// ticker-gated loop that walks the feed list and fetches each one with a
// per-feed circuit breaker, generalized from a fixed ticker interval and
// a concurrent worker pool to the spec's wake-to-earliest-due-feed
// instant and serial, in-order processing.
package scheduler

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andrewmoise/rssbot/internal/cadence"
	"github.com/andrewmoise/rssbot/internal/commands"
	"github.com/andrewmoise/rssbot/internal/config"
	"github.com/andrewmoise/rssbot/internal/feed"
	"github.com/andrewmoise/rssbot/internal/lemmyapi"
	"github.com/andrewmoise/rssbot/internal/normalize"
	"github.com/andrewmoise/rssbot/internal/obsmetrics"
	"github.com/andrewmoise/rssbot/internal/store"
)

const (
	postWindow = 3 * 24 * time.Hour
	tickSlice  = time.Minute
)

// Scheduler owns the outer loop: feed refresh, conditional fetch,
// staging, publication, and the interleaved command processor.
type Scheduler struct {
	store      *store.Store
	fetcher    *feed.Fetcher
	clients    map[config.BotIdentity]*lemmyapi.Client
	commands   *commands.Processor
	blacklist  *normalize.Blacklist
	metrics    *obsmetrics.Metrics
	log        *logrus.Logger
	identities []config.BotIdentity
}

// New constructs a Scheduler. identities lists every bot identity to
// poll for direct messages each sleep slice (spec.md §9: serial polling
// of all identities, per the specified open-question resolution).
func New(
	st *store.Store,
	fetcher *feed.Fetcher,
	clients map[config.BotIdentity]*lemmyapi.Client,
	cmdProcessor *commands.Processor,
	blacklist *normalize.Blacklist,
	metrics *obsmetrics.Metrics,
	logger *logrus.Logger,
	identities []config.BotIdentity,
) *Scheduler {
	return &Scheduler{
		store:      st,
		fetcher:    fetcher,
		clients:    clients,
		commands:   cmdProcessor,
		blacklist:  blacklist,
		metrics:    metrics,
		log:        logger,
		identities: identities,
	}
}

// Run executes outer iterations forever until ctx is cancelled.
// Connection-class errors are logged and followed by a 60s sleep before
// resuming; any other error escapes and aborts the process, matching
// the supervisor-restart contract of spec.md §7 point 5.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runIteration(ctx); err != nil {
			var netErr net.Error
			if ctx.Err() != nil || (!errors.As(err, &netErr) && !errors.Is(err, driver.ErrBadConn)) {
				return err
			}
			if s.log != nil {
				s.log.WithError(err).Error("scheduler: iteration failed, sleeping before retry")
			}
			select {
			case <-time.After(60 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Scheduler) runIteration(ctx context.Context) error {
	feeds, err := s.store.ListFeeds()
	if err != nil {
		return err
	}

	wake := earliestWake(feeds)
	if err := s.sleepUntil(ctx, wake); err != nil {
		return err
	}
	s.pollAllIdentities(ctx)

	visited := make(map[string]bool)
	for _, f := range feeds {
		if f.NextCheckAt != nil && f.NextCheckAt.After(time.Now()) {
			continue
		}
		origin := originOf(f.FeedURL)
		if visited[origin] {
			continue
		}
		visited[origin] = true

		if err := s.processFeed(ctx, f); err != nil && s.log != nil {
			s.log.WithError(err).WithField("feed_id", f.ID).Error("scheduler: feed procedure failed")
		}
	}
	return nil
}

// earliestWake is min(feed.next_check_at) over feeds with a value, else
// now + MIN (spec.md §4.F step 1).
func earliestWake(feeds []store.Feed) time.Time {
	var wake time.Time
	for _, f := range feeds {
		if f.NextCheckAt == nil {
			continue
		}
		if wake.IsZero() || f.NextCheckAt.Before(wake) {
			wake = *f.NextCheckAt
		}
	}
	if wake.IsZero() {
		return time.Now().Add(cadence.Min)
	}
	return wake
}

// sleepUntil sleeps in one-minute slices until wake, running the
// command processor once per slice (spec.md §4.F step 2); runIteration
// runs it once more on arrival.
func (s *Scheduler) sleepUntil(ctx context.Context, wake time.Time) error {
	for time.Now().Before(wake) {
		s.pollAllIdentities(ctx)

		remaining := time.Until(wake)
		slice := tickSlice
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-time.After(slice):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) pollAllIdentities(ctx context.Context) {
	if s.commands == nil {
		return
	}
	for _, identity := range s.identities {
		if err := s.commands.PollIdentity(ctx, identity); err != nil && s.log != nil {
			s.log.WithError(err).WithField("identity", identity).Warn("scheduler: command processor failed")
		}
	}
}

func originOf(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

// processFeed runs the per-feed procedure (spec.md §4.F step 4).
func (s *Scheduler) processFeed(ctx context.Context, f store.Feed) error {
	backlog, err := s.store.GetEarliestUnposted(f.ID)
	if err != nil {
		return err
	}

	fetchedEntries := false
	var result feed.Result
	if backlog == nil {
		start := time.Now()
		result = s.fetcher.Fetch(ctx, f.FeedURL, f.LastModified, f.ETag)
		if s.metrics != nil {
			s.metrics.RecordFeedFetch(string(result.Outcome), time.Since(start).Seconds())
		}
		if result.Outcome == feed.OutcomeOK {
			fetchedEntries = true
			s.stageEntries(f, result.Entries)
		}
	} else {
		// Backlog present: skip the network fetch and drain it first
		// (spec.md §4.F step 4.1).
		result = feed.Result{Outcome: feed.OutcomeNotModified, LastModified: f.LastModified, ETag: f.ETag}
	}

	earliest, err := s.store.GetEarliestUnposted(f.ID)
	if err != nil {
		return err
	}

	stillUnposted := earliest != nil
	if earliest != nil && !s.publish(ctx, f, *earliest) {
		next, err := s.store.GetEarliestUnposted(f.ID)
		if err != nil {
			return err
		}
		stillUnposted = next != nil
	}

	nextCheck, err := s.computeNextCheck(f, stillUnposted, fetchedEntries, result.Entries)
	if err != nil {
		return err
	}

	return s.store.UpdateFeedValidators(f.ID, result.LastModified, result.ETag, nextCheck)
}

// stageEntries applies the blacklist, URL dedup, and POST_WINDOW cutoff
// to freshly fetched entries, then inserts the survivors oldest-first
// (spec.md §4.F step 4.2).
func (s *Scheduler) stageEntries(f store.Feed, entries []feed.Entry) {
	cutoff := time.Now().Add(-postWindow)
	for _, e := range entries {
		if s.blacklist != nil && s.blacklist.Matches(e.Title) {
			continue
		}
		existing, err := s.store.GetArticleByURL(e.URL)
		if err != nil || existing != nil {
			continue
		}
		if e.Published.Before(cutoff) {
			continue
		}
		headline := normalize.Headline(e.Title)
		if err := s.store.AddArticle(f.ID, e.URL, headline, e.Published, nil); err != nil && s.log != nil {
			s.log.WithError(err).WithField("url", e.URL).Warn("scheduler: failed to stage article")
		} else if s.metrics != nil {
			s.metrics.RecordArticleStaged(idString(f.ID))
		}
	}
}

// publish runs the late-arriving normalization pass and attempts to
// create the remote post, returning whether the article remains
// unposted afterward (spec.md §4.F step 4.4).
func (s *Scheduler) publish(ctx context.Context, f store.Feed, article store.Article) bool {
	client, ok := s.clients[config.BotIdentity(f.BotIdentity)]
	if !ok {
		if s.log != nil {
			s.log.WithField("identity", f.BotIdentity).Error("scheduler: no client configured for feed's identity")
		}
		return true
	}

	headline := normalize.Headline(article.Headline)
	postID, err := client.CreatePost(ctx, lemmyapi.CreatePostOptions{
		CommunityID: f.CommunityID,
		Title:       headline,
		URL:         article.ArticleURL,
	})
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).WithField("article_id", article.ID).Warn("scheduler: publish failed, will retry next cycle")
		}
		if s.metrics != nil {
			s.metrics.RecordPostFailure(idString(f.ID))
		}
		return true
	}

	if err := s.store.SetArticlePostID(article.ID, postID); err != nil {
		if s.log != nil {
			s.log.WithError(err).WithField("article_id", article.ID).Error("scheduler: failed to record post id")
		}
		return true
	}
	if s.metrics != nil {
		s.metrics.RecordArticlePosted(idString(f.ID))
	}
	return false
}

// computeNextCheck implements step 4.5: MIN while draining a backlog,
// otherwise the cadence estimate from fresh entry timestamps (if a
// fetch happened) or the stored ones.
func (s *Scheduler) computeNextCheck(f store.Feed, stillUnposted, fetchedEntries bool, entries []feed.Entry) (time.Time, error) {
	if stillUnposted {
		return time.Now().Add(cadence.Min), nil
	}

	var timestamps []time.Time
	if fetchedEntries {
		for _, e := range entries {
			timestamps = append(timestamps, e.Published)
		}
	} else {
		stored, err := s.store.GetRecentArticleTimestamps(f.ID, 20)
		if err != nil {
			return time.Time{}, err
		}
		timestamps = stored
	}
	return cadence.Next(timestamps, time.Now()), nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

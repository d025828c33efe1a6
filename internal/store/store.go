// Package store is the sole owner of rssbot's durable state (spec.md §3,
// §4.A): the Feed and Article tables, and every mutation either one ever
// undergoes. It follows the teacher's database_ops.go access style over
// github.com/lib/pq: each operation is one or more single-statement
// Exec/QueryRow calls (ON CONFLICT for the article dedup insert), with no
// explicit transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNoSelector is returned by RemoveFeed when neither selector is
// supplied.
var ErrNoSelector = errors.New("store: at least one selector must be supplied")

// ErrAmbiguousSelector is returned by UpdateFeedURL when the supplied
// community key matches zero or more than one feed row (spec.md §4.A).
var ErrAmbiguousSelector = errors.New("store: selector does not match exactly one row")

// Feed mirrors the feeds table (spec.md §3).
type Feed struct {
	ID           int64
	FeedURL      string
	CommunityKey string
	CommunityID  int64
	BotIdentity  string
	LastModified *string
	ETag         *string
	NextCheckAt  *time.Time
}

// Article mirrors the articles table (spec.md §3).
type Article struct {
	ID           int64
	FeedID       int64
	ArticleURL   string
	Headline     string
	FetchedAt    time.Time
	RemotePostID *int64
}

// Store is a thin transactional layer over Postgres. All operations are
// serialized against the backing store; individual operations are atomic
// at row granularity (spec.md §4.A Concurrency contract).
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using connStr, verifies the connection, and
// brings the schema up to date via additive migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// New wraps an already-open *sql.DB (used by tests against go-sqlmock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection pool, e.g. for Stats().
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates the schema if missing and adds any columns a prior
// version of rssbot didn't have yet. Every statement is idempotent and
// additive, per spec.md §4.A and §6.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS feeds (
			id BIGSERIAL PRIMARY KEY,
			feed_url TEXT NOT NULL,
			community_key TEXT NOT NULL,
			community_id BIGINT NOT NULL,
			last_modified TEXT,
			etag TEXT,
			next_check_at TIMESTAMPTZ,
			bot_identity TEXT NOT NULL,
			UNIQUE(feed_url, community_id)
		)`,
		`CREATE TABLE IF NOT EXISTS articles (
			id BIGSERIAL PRIMARY KEY,
			feed_id BIGINT NOT NULL REFERENCES feeds(id),
			article_url TEXT NOT NULL UNIQUE,
			headline TEXT NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			remote_post_id BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_feed_id ON articles(feed_id)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_remote_post_id ON articles(remote_post_id)`,
		`CREATE INDEX IF NOT EXISTS idx_feeds_community_key ON feeds(community_key)`,
		// additive columns for schemas created by older rssbot versions
		`ALTER TABLE feeds ADD COLUMN IF NOT EXISTS bot_identity TEXT NOT NULL DEFAULT 'free'`,
		`ALTER TABLE feeds ADD COLUMN IF NOT EXISTS next_check_at TIMESTAMPTZ`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// ListFeeds returns every feed row.
func (s *Store) ListFeeds() ([]Feed, error) {
	rows, err := s.db.Query(`
		SELECT id, feed_url, community_key, community_id, last_modified, etag, next_check_at, bot_identity
		FROM feeds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		var f Feed
		if err := rows.Scan(&f.ID, &f.FeedURL, &f.CommunityKey, &f.CommunityID, &f.LastModified, &f.ETag, &f.NextCheckAt, &f.BotIdentity); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// AddFeed inserts a new feed row and returns it with its assigned ID.
func (s *Store) AddFeed(feedURL, communityKey string, communityID int64, botIdentity string) (*Feed, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO feeds (feed_url, community_key, community_id, bot_identity)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		feedURL, communityKey, communityID, botIdentity,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("add feed: %w", err)
	}
	return &Feed{
		ID:           id,
		FeedURL:      feedURL,
		CommunityKey: communityKey,
		CommunityID:  communityID,
		BotIdentity:  botIdentity,
	}, nil
}

// UpdateFeedValidators persists the conditional-GET validators and the
// next polling instant computed for a feed (spec.md §4.F step 4.4).
func (s *Store) UpdateFeedValidators(feedID int64, lastModified, etag *string, nextCheckAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE feeds SET last_modified = $1, etag = $2, next_check_at = $3 WHERE id = $4`,
		lastModified, etag, nextCheckAt, feedID)
	if err != nil {
		return fmt.Errorf("update feed validators: %w", err)
	}
	return nil
}

// UpdateFeedURL repoints a feed at a new URL, failing if the community key
// doesn't identify exactly one row (spec.md §4.A).
func (s *Store) UpdateFeedURL(communityKey, newURL string, botIdentity *string) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feeds WHERE community_key = $1`, communityKey).Scan(&count); err != nil {
		return fmt.Errorf("update feed url: count: %w", err)
	}
	if count != 1 {
		return fmt.Errorf("%w: community_key %q matched %d rows", ErrAmbiguousSelector, communityKey, count)
	}

	var err error
	if botIdentity != nil {
		_, err = s.db.Exec(`UPDATE feeds SET feed_url = $1, bot_identity = $2 WHERE community_key = $3`,
			newURL, *botIdentity, communityKey)
	} else {
		_, err = s.db.Exec(`UPDATE feeds SET feed_url = $1 WHERE community_key = $2`, newURL, communityKey)
	}
	if err != nil {
		return fmt.Errorf("update feed url: %w", err)
	}
	return nil
}

// RemoveFeed deletes feed rows matching the supplied selectors (at least
// one of communityKey, feedURL must be non-nil) and returns the number of
// rows deleted. It matches only on the selectors given — no hidden
// fallback to an id column (spec.md §9 Open Question).
func (s *Store) RemoveFeed(communityKey, feedURL *string) (int64, error) {
	if communityKey == nil && feedURL == nil {
		return 0, ErrNoSelector
	}

	query := "DELETE FROM feeds WHERE "
	var conds []string
	var args []interface{}
	if communityKey != nil {
		args = append(args, *communityKey)
		conds = append(conds, fmt.Sprintf("community_key = $%d", len(args)))
	}
	if feedURL != nil {
		args = append(args, *feedURL)
		conds = append(conds, fmt.Sprintf("feed_url = $%d", len(args)))
	}
	for i, c := range conds {
		if i > 0 {
			query += " AND "
		}
		query += c
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("remove feed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove feed: rows affected: %w", err)
	}
	return n, nil
}

// GetArticleByURL looks up an article by its dedup key. Returns
// (nil, nil) if no such article exists.
func (s *Store) GetArticleByURL(url string) (*Article, error) {
	var a Article
	err := s.db.QueryRow(`
		SELECT id, feed_id, article_url, headline, fetched_at, remote_post_id
		FROM articles WHERE article_url = $1`, url,
	).Scan(&a.ID, &a.FeedID, &a.ArticleURL, &a.Headline, &a.FetchedAt, &a.RemotePostID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get article by url: %w", err)
	}
	return &a, nil
}

// AddArticle inserts an article, doing nothing if article_url already
// exists (spec.md §3 invariant 1, §4.A).
func (s *Store) AddArticle(feedID int64, url, headline string, fetchedAt time.Time, remotePostID *int64) error {
	_, err := s.db.Exec(`
		INSERT INTO articles (feed_id, article_url, headline, fetched_at, remote_post_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (article_url) DO NOTHING`,
		feedID, url, headline, fetchedAt, remotePostID)
	if err != nil {
		return fmt.Errorf("add article: %w", err)
	}
	return nil
}

// SetArticlePostID flips remote_post_id from null to a concrete value.
// This is the only mutation that performs the null -> integer transition
// (spec.md §3 invariant 2); it is never called twice for the same row by
// the scheduler.
func (s *Store) SetArticlePostID(articleID, remotePostID int64) error {
	result, err := s.db.Exec(`
		UPDATE articles SET remote_post_id = $1 WHERE id = $2 AND remote_post_id IS NULL`,
		remotePostID, articleID)
	if err != nil {
		return fmt.Errorf("set article post id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set article post id: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set article post id: article %d not found or already posted", articleID)
	}
	return nil
}

// GetEarliestUnposted returns the smallest-id article of a feed whose
// remote_post_id is still null (spec.md §3 invariant 4), or (nil, nil) if
// the feed has no backlog.
func (s *Store) GetEarliestUnposted(feedID int64) (*Article, error) {
	var a Article
	err := s.db.QueryRow(`
		SELECT id, feed_id, article_url, headline, fetched_at, remote_post_id
		FROM articles
		WHERE feed_id = $1 AND remote_post_id IS NULL
		ORDER BY id ASC LIMIT 1`, feedID,
	).Scan(&a.ID, &a.FeedID, &a.ArticleURL, &a.Headline, &a.FetchedAt, &a.RemotePostID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get earliest unposted: %w", err)
	}
	return &a, nil
}

// GetRecentArticleTimestamps returns the fetched_at times of the most
// recently discovered articles for a feed, newest first, used by the
// cadence estimator (spec.md §4.E).
func (s *Store) GetRecentArticleTimestamps(feedID int64, limit int) ([]time.Time, error) {
	rows, err := s.db.Query(`
		SELECT fetched_at FROM articles
		WHERE feed_id = $1
		ORDER BY id DESC LIMIT $2`, feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent article timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

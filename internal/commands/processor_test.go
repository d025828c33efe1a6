package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/andrewmoise/rssbot/internal/config"
	"github.com/andrewmoise/rssbot/internal/lemmyapi"
	"github.com/andrewmoise/rssbot/internal/store"
)

func TestParseMessageMultipleCommandsOnSeparateLines(t *testing.T) {
	lines := ParseMessage("/add http://x/rss foo\n/list foo")
	if len(lines) != 2 {
		t.Fatalf("expected 2 parsed lines, got %d", len(lines))
	}
	if lines[0].Commands[0].Kind != KindAdd {
		t.Errorf("expected first command to be add, got %v", lines[0].Commands[0].Kind)
	}
	if lines[1].Commands[0].Kind != KindList {
		t.Errorf("expected second command to be list, got %v", lines[1].Commands[0].Kind)
	}
}

func TestParseMessageMultipleCommandsOnOneLine(t *testing.T) {
	lines := ParseMessage("/add http://x/rss foo /list foo")
	if len(lines) != 1 {
		t.Fatalf("expected 1 parsed line, got %d", len(lines))
	}
	if len(lines[0].Commands) != 2 {
		t.Fatalf("expected 2 commands on the shared line, got %d", len(lines[0].Commands))
	}
	if got := lines[0].Commands[0].Args; len(got) != 2 || got[0] != "http://x/rss" || got[1] != "foo" {
		t.Errorf("unexpected args for first command: %+v", got)
	}
}

func TestParseMessagePlainTextHasNoCommands(t *testing.T) {
	lines := ParseMessage("just saying hello, no slashes here")
	if len(lines) != 0 {
		t.Fatalf("expected no parsed lines for plain text, got %d", len(lines))
	}
}

func TestKindOfUnknownWord(t *testing.T) {
	if kindOf("frobnicate") != KindUnknown {
		t.Error("expected unrecognized word to classify as unknown")
	}
}

// newTestServer wires a fake Lemmy v3 surface covering login, the
// community moderator lookup, and resolve_object, the paths used by the
// processor's Add/Delete executors.
func newTestServer(t *testing.T, senderActorID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jwt":"` + fakeJWT(t) + `"}`))
	})
	mux.HandleFunc("/api/v3/community", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"moderators":[{"moderator":{"id":1,"name":"u","actor_id":"` + senderActorID + `"}}]}`))
	})
	mux.HandleFunc("/api/v3/resolve_object", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"community":{"community":{"id":7,"name":"foo","title":"Foo"}}}`))
	})
	return httptest.NewServer(mux)
}

func fakeJWT(t *testing.T) string {
	t.Helper()
	// a minimal unsigned-looking token; jwtExpired tolerates parse
	// failure by treating the token as expired, which is fine here since
	// tests always exercise the login path freshly.
	return "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ0ZXN0In0."
}

func newTestClient(t *testing.T, server *httptest.Server, senderActorID string) *lemmyapi.Client {
	t.Helper()
	cfg := &config.LemmyConfig{
		Server:       server.URL,
		Usernames:    map[config.BotIdentity]string{config.BotFree: "freebot"},
		RequestDelay: time.Millisecond,
		HTTPTimeout:  5 * time.Second,
		TokenDir:     t.TempDir(),
	}
	c, err := lemmyapi.New(cfg, config.BotFree, nil, func(user, server string) (string, error) {
		return "hunter2", nil
	})
	if err != nil {
		t.Fatalf("lemmyapi.New: %v", err)
	}
	return c
}

func TestExecuteAddRequiresModerator(t *testing.T) {
	srv := newTestServer(t, "u@default")
	defer srv.Close()
	client := newTestClient(t, srv, "u@default")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	st := store.New(db)

	p := New(st, map[config.BotIdentity]*lemmyapi.Client{config.BotFree: client}, "default", nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO feeds")).
		WithArgs("http://x/rss", "foo@default", int64(7), string(config.BotFree)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	result := p.executeAdd(context.Background(), client, "someone-else@default", []string{"http://x/rss", "foo"})
	if !strings.Contains(result, "not a moderator") {
		t.Errorf("expected a not-a-moderator rejection, got %q", result)
	}

	result = p.executeAdd(context.Background(), client, "u@default", []string{"http://x/rss", "foo"})
	if !strings.Contains(result, "Added") {
		t.Errorf("expected the add to succeed for a moderator, got %q", result)
	}
}

func TestExecuteListReportsFeedsForCommunity(t *testing.T) {
	srv := newTestServer(t, "u@default")
	defer srv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	st := store.New(db)
	p := New(st, nil, "default", nil, nil)

	rows := sqlmock.NewRows([]string{
		"id", "feed_url", "community_key", "community_id", "last_modified", "etag", "next_check_at", "bot_identity",
	}).AddRow(int64(1), "http://x/rss", "foo@default", int64(7), nil, nil, nil, "free")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(rows)

	result := p.executeList(context.Background(), []string{"foo"})
	if !strings.Contains(result, "Feeds active for !foo@default:") {
		t.Errorf("expected header for foo@default, got %q", result)
	}
	if !strings.Contains(result, "* http://x/rss") {
		t.Errorf("expected feed url listed, got %q", result)
	}
}

func TestProcessMessageBodyFullScenario(t *testing.T) {
	senderActorID := "u@default"
	srv := newTestServer(t, senderActorID)
	defer srv.Close()
	client := newTestClient(t, srv, senderActorID)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	st := store.New(db)
	p := New(st, map[config.BotIdentity]*lemmyapi.Client{config.BotFree: client}, "default", nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO feeds")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	rows := sqlmock.NewRows([]string{
		"id", "feed_url", "community_key", "community_id", "last_modified", "etag", "next_check_at", "bot_identity",
	}).AddRow(int64(1), "http://x/rss", "foo@default", int64(7), nil, nil, nil, "free")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(rows)

	response := p.processMessageBody(context.Background(), client, senderActorID, "/add http://x/rss foo\n/list foo")

	if !strings.Contains(response, "> /add http://x/rss foo") {
		t.Errorf("expected quoted echo of the add line, got %q", response)
	}
	if !strings.Contains(response, "> /list foo") {
		t.Errorf("expected quoted echo of the list line, got %q", response)
	}
	if !strings.Contains(response, "Added http://x/rss to !foo@default") {
		t.Errorf("expected an Added confirmation, got %q", response)
	}
	if !strings.Contains(response, "Feeds active for !foo@default:") {
		t.Errorf("expected a feed listing, got %q", response)
	}
}

func TestProcessMessageBodyNoCommandReturnsHelp(t *testing.T) {
	p := New(nil, nil, "default", nil, nil)
	got := p.processMessageBody(context.Background(), nil, "u@default", "hello there")
	if got != helpText {
		t.Errorf("expected help text for a commandless message, got %q", got)
	}
}

func TestExecuteUnknownCommandIsEchoedNotFatal(t *testing.T) {
	p := New(nil, nil, "default", nil, nil)
	got := p.executeSafely(context.Background(), nil, "u@default", Command{Kind: KindUnknown, Name: "frob"})
	if !strings.Contains(got, "Unknown command") {
		t.Errorf("expected unknown command note, got %q", got)
	}
}

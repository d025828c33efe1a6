package lemmyapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/andrewmoise/rssbot/internal/config"
)

func testLemmyConfig(t *testing.T, server string) *config.LemmyConfig {
	t.Helper()
	return &config.LemmyConfig{
		Server:       server,
		Usernames:    map[config.BotIdentity]string{config.BotFree: "freebot"},
		RequestDelay: time.Millisecond,
		HTTPTimeout:  5 * time.Second,
		TokenDir:     t.TempDir(),
	}
}

func fakeJWT(t *testing.T, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign fake jwt: %v", err)
	}
	return signed
}

func TestNewLogsInAndCachesToken(t *testing.T) {
	var loginCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/user/login" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		loginCalls++
		w.Write([]byte(`{"jwt":"` + fakeJWT(t, time.Now().Add(time.Hour)) + `"}`))
	}))
	defer srv.Close()

	cfg := testLemmyConfig(t, srv.URL)

	c, err := New(cfg, config.BotFree, nil, func(user, server string) (string, error) {
		return "hunter2", nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if loginCalls != 1 {
		t.Fatalf("expected 1 login call, got %d", loginCalls)
	}
	if c.token == "" {
		t.Fatal("expected a token to be cached on the client")
	}
	if _, err := os.Stat(cfg.TokenFilePath(config.BotFree)); err != nil {
		t.Fatalf("expected token file to be written: %v", err)
	}
}

func TestNewReusesUnexpiredCachedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s: a valid cached token should skip login", r.URL.Path)
	}))
	defer srv.Close()

	cfg := testLemmyConfig(t, srv.URL)
	tok := fakeJWT(t, time.Now().Add(time.Hour))
	if err := os.WriteFile(cfg.TokenFilePath(config.BotFree), []byte(`{"jwt":"`+tok+`"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := New(cfg, config.BotFree, nil, func(user, server string) (string, error) {
		t.Fatal("password prompt should not be invoked for a cached, unexpired token")
		return "", nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.token != tok {
		t.Fatalf("expected cached token to be reused, got a different token")
	}
}

func TestNewRelogsInWhenCachedTokenExpired(t *testing.T) {
	var loginCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loginCalls++
		w.Write([]byte(`{"jwt":"` + fakeJWT(t, time.Now().Add(time.Hour)) + `"}`))
	}))
	defer srv.Close()

	cfg := testLemmyConfig(t, srv.URL)
	expired := fakeJWT(t, time.Now().Add(-time.Hour))
	if err := os.WriteFile(cfg.TokenFilePath(config.BotFree), []byte(`{"jwt":"`+expired+`"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := New(cfg, config.BotFree, nil, func(user, server string) (string, error) {
		return "hunter2", nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if loginCalls != 1 {
		t.Fatalf("expected a fresh login for an expired cached token, got %d calls", loginCalls)
	}
}

func TestNormalizeActorIDAddsDefaultInstance(t *testing.T) {
	c := &Client{server: "lemmy.example.com"}
	if got := c.NormalizeActorID("alice"); got != "alice@lemmy.example.com" {
		t.Errorf("got %q", got)
	}
	if got := c.NormalizeActorID("alice@other.example.com"); got != "alice@other.example.com" {
		t.Errorf("got %q", got)
	}
}

func TestAPIErrorMessageIncludesStatusAndPath(t *testing.T) {
	err := &APIError{StatusCode: 400, Body: "bad request", Path: "/api/v3/post"}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	if !strings.Contains(msg, "400") || !strings.Contains(msg, "/api/v3/post") {
		t.Errorf("expected status and path in message, got %q", msg)
	}
}

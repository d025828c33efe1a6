// Package lemmyapi is the remote API client (spec.md §4.B): one
// authenticated session per (server, identity) pair, with a persisted
// token cache, a uniform per-call rate limit, and indefinite retry on
// transient 429/503 responses. Grounded in the request/retry shape of the
// teacher's discord_webhook.go, with the rate limiting swapped for
// golang.org/x/time/rate (as used for notification throttling elsewhere
// in the corpus) instead of a hand-rolled sleep gate.
package lemmyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/andrewmoise/rssbot/internal/config"
)

// PasswordPrompter asks an operator for a password interactively, used
// only the first time an identity has no cached token (spec.md §4.B).
type PasswordPrompter func(username, server string) (string, error)

// APIError is returned for any non-2xx response that isn't a transient
// 429/503 (those are retried internally and never surface as an error).
type APIError struct {
	StatusCode int
	Body       string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lemmyapi: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client is one authenticated session against the publishing server.
// Multiple Clients (one per identity) share no mutable state.
type Client struct {
	server     string // host[:port], no scheme; used for actor-id suffixes and the token filename
	baseURL    string // scheme://host[:port], used to build request URLs
	username   string
	tokenPath  string
	httpClient *http.Client
	limiter    *rate.Limiter
	token      string
	log        *logrus.Logger
	prompt     PasswordPrompter
}

// splitScheme separates an optional "scheme://" prefix from a server
// address, defaulting to https. Production Lemmy servers are addressed
// by bare hostname (https assumed); tests point at a plain-http
// httptest server by supplying its full URL.
func splitScheme(server string) (scheme, host string) {
	if i := strings.Index(server, "://"); i >= 0 {
		return server[:i], server[i+3:]
	}
	return "https", server
}

// New constructs a Client for one (server, identity) pair, loading its
// cached token or logging in and persisting a fresh one.
func New(cfg *config.LemmyConfig, identity config.BotIdentity, logger *logrus.Logger, prompt PasswordPrompter) (*Client, error) {
	username := cfg.Usernames[identity]
	if username == "" {
		return nil, fmt.Errorf("lemmyapi: no username configured for identity %q", identity)
	}

	scheme, host := splitScheme(cfg.Server)
	c := &Client{
		server:     host,
		baseURL:    scheme + "://" + host,
		username:   username,
		tokenPath:  cfg.TokenFilePath(identity),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:    rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
		log:        logger,
		prompt:     prompt,
	}

	if token, ok := c.loadToken(); ok && !jwtExpired(token) {
		c.token = token
		return c, nil
	}

	password, err := prompt(username, cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("lemmyapi: password prompt: %w", err)
	}
	if err := c.login(password); err != nil {
		return nil, fmt.Errorf("lemmyapi: login: %w", err)
	}
	return c, nil
}

type tokenFile struct {
	JWT string `json:"jwt"`
}

func (c *Client) loadToken() (string, bool) {
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		return "", false
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil || tf.JWT == "" {
		return "", false
	}
	return tf.JWT, true
}

func (c *Client) saveToken(token string) error {
	data, err := json.Marshal(tokenFile{JWT: token})
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.tokenPath, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(c.tokenPath, 0o600)
}

// jwtExpired decodes (without verifying a signature, since this client is
// not the token's issuer) the exp claim to decide whether a cached token
// is worth presenting before waiting for the server to reject it.
func jwtExpired(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false // no exp claim: trust it until the server says otherwise
	}
	return time.Now().After(exp.Time)
}

func (c *Client) login(password string) error {
	var out struct {
		JWT string `json:"jwt"`
	}
	body := map[string]string{"username_or_email": c.username, "password": password}
	if err := c.doRaw(context.Background(), http.MethodPost, "/api/v3/user/login", nil, body, &out); err != nil {
		return err
	}
	if out.JWT == "" {
		return fmt.Errorf("lemmyapi: login response had no jwt")
	}
	c.token = out.JWT
	return c.saveToken(out.JWT)
}

// do issues an authenticated request, waiting on the rate limiter first
// and retrying 429/503 forever with a 60s sleep (spec.md §4.B, §7 point 1).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req := func() (*http.Response, []byte, error) {
		return c.rawRequest(ctx, method, path, query, body, c.token)
	}
	return c.doWithRetry(ctx, req, out)
}

// doRaw is like do but without an Authorization header, used only for
// user/login.
func (c *Client) doRaw(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req := func() (*http.Response, []byte, error) {
		return c.rawRequest(ctx, method, path, query, body, "")
	}
	return c.doWithRetry(ctx, req, out)
}

func (c *Client) doWithRetry(ctx context.Context, issue func() (*http.Response, []byte, error), out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	for {
		resp, respBody, err := issue()
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			if c.log != nil {
				c.log.WithField("status", resp.StatusCode).Warn("lemmyapi: rate limited, sleeping 60s")
			}
			select {
			case <-time.After(60 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Body: string(respBody), Path: resp.Request.URL.Path}
		}
		if out == nil || len(respBody) == 0 {
			return nil
		}
		return json.Unmarshal(respBody, out)
	}
}

func (c *Client) rawRequest(ctx context.Context, method, path string, query url.Values, body interface{}, token string) (*http.Response, []byte, error) {
	u := fmt.Sprintf("%s%s", c.baseURL, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("lemmyapi: marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("lemmyapi: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("lemmyapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("lemmyapi: read body: %w", err)
	}
	return resp, respBody, nil
}

// CreatePost creates a link post and returns the remote post id
// (spec.md §4.B create_post).
func (c *Client) CreatePost(ctx context.Context, opts CreatePostOptions) (int64, error) {
	var out struct {
		PostView struct {
			Post struct {
				ID int64 `json:"id"`
			} `json:"post"`
		} `json:"post_view"`
	}
	body := map[string]interface{}{
		"community_id": opts.CommunityID,
		"name":         opts.Title,
		"url":          opts.URL,
	}
	if opts.Body != "" {
		body["body"] = opts.Body
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/post", nil, body, &out); err != nil {
		return 0, err
	}
	return out.PostView.Post.ID, nil
}

// CreateCommunity creates a new community (used only by the administrative
// CLI, spec.md §4.B).
func (c *Client) CreateCommunity(ctx context.Context, opts CreateCommunityOptions) (int64, error) {
	var out struct {
		CommunityView struct {
			Community struct {
				ID int64 `json:"id"`
			} `json:"community"`
		} `json:"community_view"`
	}
	body := map[string]interface{}{
		"name":                       opts.Name,
		"title":                      opts.Title,
		"icon":                       opts.Icon,
		"description":                opts.Description,
		"posting_restricted_to_mods": opts.PostingRestrictedToMods,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/community", nil, body, &out); err != nil {
		return 0, err
	}
	return out.CommunityView.Community.ID, nil
}

// FetchCommunityID resolves a community name to its numeric id
// (spec.md §4.B fetch_community_id).
func (c *Client) FetchCommunityID(ctx context.Context, communityName string) (int64, error) {
	var out struct {
		CommunityView *struct {
			Community struct {
				ID int64 `json:"id"`
			} `json:"community"`
		} `json:"community_view"`
	}
	q := url.Values{"name": {communityName}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/community", q, nil, &out); err != nil {
		return 0, err
	}
	if out.CommunityView == nil {
		return 0, fmt.Errorf("lemmyapi: community %q not found", communityName)
	}
	return out.CommunityView.Community.ID, nil
}

// FetchUserID resolves an actor identifier (user@instance) to a numeric id
// (spec.md §4.B fetch_user_id).
func (c *Client) FetchUserID(ctx context.Context, actorIdentifier string) (int64, error) {
	var out struct {
		PersonView *struct {
			Person struct {
				ID int64 `json:"id"`
			} `json:"person"`
		} `json:"person_view"`
	}
	q := url.Values{"username": {actorIdentifier}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/user", q, nil, &out); err != nil {
		return 0, err
	}
	if out.PersonView == nil {
		return 0, fmt.Errorf("lemmyapi: user %q not found", actorIdentifier)
	}
	return out.PersonView.Person.ID, nil
}

// ResolveCommunity resolves a community key of the possibly-remote form
// !name@instance via resolve_object (spec.md §4.B resolve_community, used
// by the command processor's /add validation).
func (c *Client) ResolveCommunity(ctx context.Context, communityKey string) (*Community, error) {
	var out struct {
		Community *struct {
			Community struct {
				ID    int64  `json:"id"`
				Name  string `json:"name"`
				Title string `json:"title"`
			} `json:"community"`
		} `json:"community"`
	}
	q := url.Values{"q": {"!" + communityKey}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/resolve_object", q, nil, &out); err != nil {
		return nil, err
	}
	if out.Community == nil {
		return nil, nil
	}
	return &Community{
		ID:    out.Community.Community.ID,
		Name:  out.Community.Community.Name,
		Title: out.Community.Community.Title,
	}, nil
}

// FetchCommunityModerators lists a community's current moderators
// (spec.md §4.B fetch_community_moderators, used for authorization).
func (c *Client) FetchCommunityModerators(ctx context.Context, communityName string) ([]Moderator, error) {
	var out struct {
		Moderators []struct {
			Moderator struct {
				ID      int64  `json:"id"`
				Name    string `json:"name"`
				ActorID string `json:"actor_id"`
			} `json:"moderator"`
		} `json:"moderators"`
	}
	q := url.Values{"name": {communityName}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/community", q, nil, &out); err != nil {
		return nil, err
	}
	mods := make([]Moderator, 0, len(out.Moderators))
	for _, m := range out.Moderators {
		mods = append(mods, Moderator{PersonID: m.Moderator.ID, Name: m.Moderator.Name, ActorID: m.Moderator.ActorID})
	}
	return mods, nil
}

// AppointMod adds or removes a community moderator (spec.md §4.B
// appoint_mod, used when creating communities with additional mods).
func (c *Client) AppointMod(ctx context.Context, communityID, personID int64, added bool) error {
	body := map[string]interface{}{"community_id": communityID, "person_id": personID, "added": added}
	return c.do(ctx, http.MethodPost, "/api/v3/community/mod", nil, body, nil)
}

// SubscribeToCommunity follows or unfollows a community (spec.md §4.B
// subscribe_to_community).
func (c *Client) SubscribeToCommunity(ctx context.Context, communityID int64, follow bool) error {
	body := map[string]interface{}{"community_id": communityID, "follow": follow}
	return c.do(ctx, http.MethodPost, "/api/v3/community/follow", nil, body, nil)
}

// ListPrivateMessagesPage fetches one page of direct messages. Pages are
// numbered from 1; pass the previous page number plus one to advance; an
// empty result means exhausted (spec.md §9 Design Note: generator-based pagination becomes a
// restartable lazy sequence).
func (c *Client) ListPrivateMessagesPage(ctx context.Context, unreadOnly bool, page, limit int) ([]PrivateMessage, error) {
	var out struct {
		PrivateMessages []struct {
			PrivateMessage struct {
				ID        int64     `json:"id"`
				CreatorID int64     `json:"creator_id"`
				Content   string    `json:"content"`
				Read      bool      `json:"read"`
				Published time.Time `json:"published"`
			} `json:"private_message"`
			Creator struct {
				Name    string `json:"name"`
				ActorID string `json:"actor_id"`
			} `json:"creator"`
		} `json:"private_messages"`
	}
	q := url.Values{
		"unread_only": {strconv.FormatBool(unreadOnly)},
		"page":        {strconv.Itoa(page)},
		"limit":       {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/private_message/list", q, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]PrivateMessage, 0, len(out.PrivateMessages))
	for _, m := range out.PrivateMessages {
		msgs = append(msgs, PrivateMessage{
			ID:             m.PrivateMessage.ID,
			CreatorID:      m.PrivateMessage.CreatorID,
			CreatorName:    m.Creator.Name,
			CreatorActorID: m.Creator.ActorID,
			Content:        m.PrivateMessage.Content,
			Read:           m.PrivateMessage.Read,
			Published:      m.PrivateMessage.Published,
		})
	}
	return msgs, nil
}

// MarkPrivateMessageRead marks one direct message as read (spec.md §4.B,
// §4.G).
func (c *Client) MarkPrivateMessageRead(ctx context.Context, id int64) error {
	body := map[string]interface{}{"private_message_id": id, "read": true}
	return c.do(ctx, http.MethodPost, "/api/v3/private_message/mark_as_read", nil, body, nil)
}

// SendPrivateMessage sends a direct message to recipientID (spec.md §4.B,
// §4.G).
func (c *Client) SendPrivateMessage(ctx context.Context, recipientID int64, content string) error {
	body := map[string]interface{}{"recipient_id": recipientID, "content": content}
	return c.do(ctx, http.MethodPost, "/api/v3/private_message", nil, body, nil)
}

// DeletePost removes a post. Not used by the scheduler, kept for
// completeness (original_source/lemmy.py:delete_post; spec.md §9
// supplements dropped original functionality that no Non-goal excludes).
func (c *Client) DeletePost(ctx context.Context, postID int64, reason string) error {
	body := map[string]interface{}{"post_id": postID, "removed": true, "reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v3/post/remove", nil, body, nil)
}

// DeleteComment removes a comment (original_source/lemmy.py:delete_comment).
func (c *Client) DeleteComment(ctx context.Context, commentID int64, reason string) error {
	body := map[string]interface{}{"comment_id": commentID, "removed": true, "reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v3/comment/remove", nil, body, nil)
}

// CreateComment posts a comment (original_source/lemmy.py:create_comment).
func (c *Client) CreateComment(ctx context.Context, postID int64, content string) (int64, error) {
	var out struct {
		CommentView struct {
			Comment struct {
				ID int64 `json:"id"`
			} `json:"comment"`
		} `json:"comment_view"`
	}
	body := map[string]interface{}{"post_id": postID, "content": content}
	if err := c.do(ctx, http.MethodPost, "/api/v3/comment", nil, body, &out); err != nil {
		return 0, err
	}
	return out.CommentView.Comment.ID, nil
}

// NormalizeActorID turns a bare username into user@server using the
// client's own server as the default instance, matching the "/add"
// command grammar's implicit-instance rule (spec.md §6).
func (c *Client) NormalizeActorID(identifier string) string {
	if strings.Contains(identifier, "@") {
		return identifier
	}
	return identifier + "@" + c.server
}

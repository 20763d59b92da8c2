package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	redditWebURL   = "https://www.reddit.com"
	redditOAuthURL = "https://oauth.reddit.com"
	redditTokenURL = "https://www.reddit.com/api/v1/access_token"
)

// RedditOptions configures the Reddit client. Zero values fall back to the
// public endpoints with anonymous access.
type RedditOptions struct {
	BaseURL      string
	OAuthURL     string
	TokenURL     string
	UserAgent    string
	ClientID     string
	ClientSecret string

	// RequestsPerMinute throttles outgoing requests; <= 0 disables throttling.
	RequestsPerMinute int
	Burst             int
	Timeout           time.Duration
	Logger            *slog.Logger
}

// Reddit searches Reddit for discussion threads and reads their top comments.
type Reddit struct {
	client       *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
	baseURL      string
	oauthURL     string
	tokenURL     string
	userAgent    string
	clientID     string
	clientSecret string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewReddit creates a new Reddit client.
func NewReddit(opts RedditOptions) *Reddit {
	if opts.BaseURL == "" {
		opts.BaseURL = redditWebURL
	}
	if opts.OAuthURL == "" {
		opts.OAuthURL = redditOAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = redditTokenURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "theangle/0.1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), burst)
	}

	return &Reddit{
		client:       &http.Client{Timeout: opts.Timeout},
		limiter:      limiter,
		logger:       opts.Logger,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		oauthURL:     strings.TrimRight(opts.OAuthURL, "/"),
		tokenURL:     opts.TokenURL,
		userAgent:    opts.UserAgent,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
	}
}

// Search runs a global Reddit search. With conversationsOnly set, only text
// posts and question-like titles are kept. Stickied posts are always dropped.
// A missing listing (404) yields no items and no error.
func (r *Reddit) Search(ctx context.Context, query string, sort SortMode, limit int, conversationsOnly bool) ([]Item, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", string(sort))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("type", "link")

	var listing redditListing
	found, err := r.getJSON(ctx, "/search.json?"+params.Encode(), &listing)
	if err != nil {
		return nil, fmt.Errorf("reddit search %q (%s): %w", query, sort, err)
	}
	if !found {
		return nil, nil
	}

	var items []Item
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.Stickied || post.ID == "" {
			continue
		}
		if conversationsOnly && !KeepConversation(post.IsSelf, post.Title) {
			continue
		}

		items = append(items, Item{
			Source:     SourceReddit,
			NativeID:   post.ID,
			Title:      post.Title,
			URL:        redditWebURL + post.Permalink,
			Author:     post.Author,
			CreatedAt:  time.Unix(int64(post.CreatedUTC), 0).UTC(),
			Score:      post.Score,
			Comments:   post.NumComments,
			IsTextPost: post.IsSelf,
		})
	}
	return items, nil
}

// TopComments returns up to limit top-level comment bodies for a post, in the
// order Reddit ranks them.
func (r *Reddit) TopComments(ctx context.Context, postID string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("sort", "top")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("depth", "1")

	var listings []redditListing
	path := "/comments/" + url.PathEscape(postID) + ".json?" + params.Encode()
	found, err := r.getJSON(ctx, path, &listings)
	if err != nil {
		return nil, fmt.Errorf("reddit comments %s: %w", postID, err)
	}
	// The first listing is the post itself, the second its comment tree.
	if !found || len(listings) < 2 {
		return nil, nil
	}

	var bodies []string
	for _, child := range listings[1].Data.Children {
		if len(bodies) >= limit {
			break
		}
		if child.Kind != "t1" {
			continue
		}
		body := strings.TrimSpace(child.Data.Body)
		if body == "" || body == "[deleted]" || body == "[removed]" {
			continue
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}

// getJSON decodes the response for path into dst. It reports false without an
// error when the resource does not exist.
func (r *Reddit) getJSON(ctx context.Context, path string, dst any) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	base := r.baseURL
	token, err := r.authenticate(ctx)
	if err != nil {
		return false, fmt.Errorf("reddit auth: %w", err)
	}
	if token != "" {
		base = r.oauthURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &StatusError{Source: SourceReddit, Code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return false, fmt.Errorf("decode reddit response: %w", err)
	}
	return true, nil
}

// authenticate returns a cached app-only OAuth token, refreshing it when it
// has expired. Without client credentials it returns an empty token and the
// public endpoints are used.
func (r *Reddit) authenticate(ctx context.Context) (string, error) {
	if r.clientID == "" || r.clientSecret == "" {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return r.token, nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Source: SourceReddit, Code: resp.StatusCode}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	r.token = tokenResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	r.logger.Debug("reddit token refreshed", slog.Time("expires", r.tokenExpiry))
	return r.token, nil
}

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string      `json:"kind"`
			Data redditThing `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// redditThing covers the fields read from both posts (t3) and comments (t1).
type redditThing struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Permalink   string  `json:"permalink"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	IsSelf      bool    `json:"is_self"`
	Stickied    bool    `json:"stickied"`
	Body        string  `json:"body"`
}

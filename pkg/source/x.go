package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const xAPIURL = "https://api.x.com"

// X searches recent posts through the X v2 API. It requires a bearer token;
// without one the source is disabled rather than failing.
type X struct {
	client      *http.Client
	baseURL     string
	bearerToken string
}

// NewX creates a new X client. An empty baseURL uses the public API.
func NewX(baseURL, bearerToken string) *X {
	if baseURL == "" {
		baseURL = xAPIURL
	}
	return &X{
		client:      &http.Client{Timeout: 20 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
	}
}

// Enabled reports whether a bearer token is configured.
func (x *X) Enabled() bool { return x.bearerToken != "" }

// Search returns up to limit recent posts matching query.
func (x *X) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if !x.Enabled() {
		return nil, ErrDisabled
	}

	// The API only accepts page sizes between 10 and 100.
	maxResults := min(max(limit, 10), 100)

	params := url.Values{}
	params.Set("query", strings.TrimSpace(query))
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("tweet.fields", "created_at,public_metrics,author_id")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		x.baseURL+"/2/tweets/search/recent?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create x request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+x.bearerToken)

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("x search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Source: SourceX, Code: resp.StatusCode}
	}

	var result xSearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode x response: %w", err)
	}

	var items []Item
	for _, t := range result.Data {
		if len(items) >= limit {
			break
		}
		if t.ID == "" {
			continue
		}
		items = append(items, Item{
			Source:    SourceX,
			NativeID:  t.ID,
			Title:     truncateRunes(t.Text, 280),
			URL:       "https://x.com/i/web/status/" + t.ID,
			Author:    t.AuthorID,
			CreatedAt: t.CreatedAt,
			Score:     t.PublicMetrics.LikeCount,
			Comments:  t.PublicMetrics.ReplyCount,
		})
	}
	return items, nil
}

type xSearchResult struct {
	Data []xPost `json:"data"`
}

type xPost struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	AuthorID      string    `json:"author_id"`
	CreatedAt     time.Time `json:"created_at"`
	PublicMetrics struct {
		LikeCount  int `json:"like_count"`
		ReplyCount int `json:"reply_count"`
	} `json:"public_metrics"`
}

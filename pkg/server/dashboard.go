package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/ingest"
	"github.com/elonfeng/theangle/pkg/source"
	"github.com/gin-gonic/gin"
)

const dashboardLimit = 40

// topicList accepts either a JSON array or a comma-separated string.
type topicList []string

func (t *topicList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("topics must be a string or a list of strings")
	}
	*t = ingest.SplitTopics(s)
	return nil
}

type topicsRequest struct {
	Topics topicList `json:"topics"`
}

// bindTopics reads topics from a JSON body or a "topics" form field.
func bindTopics(c *gin.Context) ([]string, error) {
	if c.ContentType() == "application/json" {
		var req topicsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return ingest.NormalizeTopics(req.Topics), nil
	}
	return ingest.SplitTopics(c.PostForm("topics")), nil
}

type topicSummary struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Digest *string `json:"digest,omitempty"`
}

func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)
	selected := ingest.NormalizeTopic(c.Query("topic"))
	premium := s.hasAccess(user)

	counts, err := s.store.CountItemsByTopic(ctx)
	if err != nil {
		s.dbError(c, "count topics", err)
		return
	}
	digests, err := s.store.ListTopicDigests(ctx)
	if err != nil {
		s.dbError(c, "list digests", err)
		return
	}
	byTopic := make(map[string]string, len(digests))
	for _, d := range digests {
		byTopic[d.Topic] = d.Text
	}

	topics := make([]topicSummary, 0, len(counts))
	for _, tc := range counts {
		if selected != "" && tc.Topic != selected {
			continue
		}
		ts := topicSummary{Name: tc.Topic, Count: tc.Count}
		if text, ok := byTopic[tc.Topic]; ok && premium {
			ts.Digest = &text
		}
		topics = append(topics, ts)
		if len(topics) == dashboardLimit {
			break
		}
	}

	items, err := s.store.ListItems(ctx, store.ItemQuery{Topic: selected, Limit: dashboardLimit})
	if err != nil {
		s.dbError(c, "list items", err)
		return
	}

	conversations := []store.ConversationDigest{}
	if selected != "" && premium {
		conversations, err = s.store.ListConversationDigests(ctx, selected)
		if err != nil {
			s.dbError(c, "list conversations", err)
			return
		}
	}

	subscribed, err := s.store.ListUserTopics(ctx, user.ID)
	if err != nil {
		s.dbError(c, "list user topics", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":          user,
		"selected":      selected,
		"topics":        topics,
		"items":         emptyIfNil(items),
		"conversations": emptyIfNil(conversations),
		"subscribed":    emptyIfNil(subscribed),
		"premium":       premium,
		"msg":           c.Query("msg"),
	})
}

func (s *Server) handleItems(c *gin.Context) {
	opts := store.ItemQuery{Topic: ingest.NormalizeTopic(c.Query("topic")), Limit: 100}
	if src := c.Query("source"); src != "" {
		opts.Source = source.SourceType(src)
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}

	items, err := s.store.ListItems(c.Request.Context(), opts)
	if err != nil {
		s.dbError(c, "list items", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": emptyIfNil(items), "count": len(items)})
}

func (s *Server) handleSources(c *gin.Context) {
	counts, err := s.store.CountItemsBySource(c.Request.Context())
	if err != nil {
		s.dbError(c, "count sources", err)
		return
	}

	type sourceInfo struct {
		Name  source.SourceType `json:"name"`
		Items int               `json:"items"`
	}
	infos := []sourceInfo{
		{Name: source.SourceReddit, Items: counts[source.SourceReddit]},
		{Name: source.SourceX, Items: counts[source.SourceX]},
	}
	c.JSON(http.StatusOK, gin.H{"data": infos, "count": len(infos)})
}

func (s *Server) handleGetTopics(c *gin.Context) {
	topics, err := s.store.ListUserTopics(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.dbError(c, "list user topics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": emptyIfNil(topics)})
}

func (s *Server) handlePutTopics(c *gin.Context) {
	topics, err := bindTopics(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	userID := currentUser(c).ID
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		return q.ReplaceUserTopics(ctx, userID, topics)
	})
	if err != nil {
		s.dbError(c, "replace user topics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": emptyIfNil(topics)})
}

func (s *Server) handleIngest(c *gin.Context) {
	user := currentUser(c)
	if !s.hasAccess(user) {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "an active subscription is required"})
		return
	}

	topics, err := bindTopics(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Add at least one topic"})
		return
	}

	res, err := s.ingester.Ingest(c.Request.Context(), topics, user.ID)
	if err != nil {
		if errors.Is(err, ingest.ErrNoTopics) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Add at least one topic"})
			return
		}
		s.dbError(c, "ingest", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": res, "message": res.Message()})
}

func (s *Server) dbError(c *gin.Context, op string, err error) {
	s.logger.Error(op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

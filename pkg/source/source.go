package source

import (
	"errors"
	"fmt"
	"time"
)

// SourceType identifies which platform an item came from.
type SourceType string

const (
	SourceReddit SourceType = "reddit"
	SourceX      SourceType = "x"
)

// SortMode is a Reddit listing order.
type SortMode string

const (
	SortHot SortMode = "hot"
	SortNew SortMode = "new"
	SortTop SortMode = "top"
)

// DefaultSortModes is the order in which topics are searched during ingestion.
var DefaultSortModes = []SortMode{SortHot, SortNew, SortTop}

// ErrDisabled is returned by sources that have no credential configured.
var ErrDisabled = errors.New("source disabled")

// Item is a raw item as returned by a source, before it is assigned a topic.
type Item struct {
	Source     SourceType `json:"source"`
	NativeID   string     `json:"native_id"`
	Title      string     `json:"title"`
	URL        string     `json:"url"`
	Author     string     `json:"author,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Score      int        `json:"score"`
	Comments   int        `json:"comments"`
	IsTextPost bool       `json:"is_text_post"`
}

// StatusError reports a non-success HTTP status from a source.
type StatusError struct {
	Source SourceType
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d", e.Source, e.Code)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

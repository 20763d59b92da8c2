package source

import "strings"

// QuestionWords mark a title as question-like when it starts with one of them
// followed by a space.
var QuestionWords = []string{
	"how", "why", "what", "where", "when", "should", "best", "recommend",
}

// LooksLikeQuestion reports whether a title reads like a question.
func LooksLikeQuestion(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return false
	}
	if strings.Contains(t, "?") {
		return true
	}
	for _, w := range QuestionWords {
		if strings.HasPrefix(t, w+" ") {
			return true
		}
	}
	return false
}

// KeepConversation reports whether a post is discussion-shaped: a text post or
// a question-like title. Link posts with statement titles are dropped.
func KeepConversation(isTextPost bool, title string) bool {
	return isTextPost || LooksLikeQuestion(title)
}

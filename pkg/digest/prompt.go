package digest

import (
	"fmt"
	"strings"
)

// TopicPrompt builds the journalist-style topic digest prompt. Only the first
// MaxTitles titles are used.
func TopicPrompt(topic string, titles []string) string {
	if len(titles) > MaxTitles {
		titles = titles[:MaxTitles]
	}

	var sb strings.Builder
	for _, t := range titles {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteString("\n")
	}

	return fmt.Sprintf(`You are helping a journalist. Summarize what people are discussing in the topic: %s.
Use only the list of conversation titles below. Do not add facts that are not in the titles. Output:

1) One-sentence summary
2) 5 bullet key angles journalists could write
3) 5 suggested headlines

Titles:
%s`, topic, strings.TrimRight(sb.String(), "\n"))
}

// ConversationPrompt builds the single-sentence conversation prompt. Without
// comments the model works from the title alone.
func ConversationPrompt(title string, comments []string) string {
	if len(comments) > MaxComments {
		comments = comments[:MaxComments]
	}

	var sb strings.Builder
	sb.WriteString("Rewrite this online conversation as ONE plain sentence of at most 18 words ")
	sb.WriteString("describing what people are discussing. ")
	sb.WriteString("Do not use quotes, numbering, hashtags or emojis. Output only the sentence.\n\n")
	sb.WriteString("Title: ")
	sb.WriteString(title)
	sb.WriteString("\n")

	if len(comments) == 0 {
		sb.WriteString("\nThere are no comments; summarize from the title alone.")
		return sb.String()
	}

	sb.WriteString("\nTop comments:\n")
	for _, c := range comments {
		sb.WriteString("- ")
		sb.WriteString(truncate(strings.Join(strings.Fields(c), " "), maxCommentChars))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

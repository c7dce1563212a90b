package notifier

import (
	"fmt"
	"strings"

	"findbrilliant/internal/monitor"
	kit "findbrilliant/internal/transport"
)

// formatAlert renders the notification text for one keyword hit.
// previewLen bounds the quoted message text in runes.
func formatAlert(m monitor.Match, msg kit.Message, previewLen int) string {
	var b strings.Builder

	b.WriteString("🔎 Keyword match")
	if len(m.Keywords) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(m.Keywords, ", "))
	}
	b.WriteString("\n")

	feed := msg.FeedTitle
	if feed == "" && msg.FeedHandle != "" {
		feed = "@" + strings.TrimPrefix(msg.FeedHandle, "@")
	}
	if feed == "" {
		feed = fmt.Sprintf("chat %d", msg.FeedID)
	}
	fmt.Fprintf(&b, "Feed: %s\n", feed)

	if msg.FromLabel != "" {
		fmt.Fprintf(&b, "From: %s\n", msg.FromLabel)
	}

	if flags := mediaFlags(msg); flags != "" {
		fmt.Fprintf(&b, "Attachments: %s\n", flags)
	}

	if preview := truncateRunes(msg.Text, previewLen); preview != "" {
		fmt.Fprintf(&b, "\n%s\n", preview)
	}

	fmt.Fprintf(&b, "\n%s", MessageLink(msg.FeedID, msg.FeedHandle, msg.ID))
	fmt.Fprintf(&b, "\nRequest #%d", m.RequestID)
	return b.String()
}

func mediaFlags(msg kit.Message) string {
	var flags []string
	if msg.HasPhoto {
		flags = append(flags, "photo")
	}
	if msg.HasVideo {
		flags = append(flags, "video")
	}
	if msg.HasDocument {
		flags = append(flags, "document")
	}
	return strings.Join(flags, ", ")
}

func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit])) + "…"
}

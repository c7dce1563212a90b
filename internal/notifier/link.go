package notifier

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageLink builds a t.me link for a message in a feed.
//
// Public feeds (with a handle) get https://t.me/<handle>/<id>. Private
// supergroups/channels use the /c/ form, which drops the Bot API's "-100"
// id prefix. Anything else falls back to a textual reference.
func MessageLink(feedID int64, handle string, messageID int) string {
	if h := strings.TrimPrefix(strings.TrimSpace(handle), "@"); h != "" {
		return fmt.Sprintf("https://t.me/%s/%d", h, messageID)
	}
	id := strconv.FormatInt(feedID, 10)
	if rest, ok := strings.CutPrefix(id, "-100"); ok && rest != "" {
		return fmt.Sprintf("https://t.me/c/%s/%d", rest, messageID)
	}
	return fmt.Sprintf("message %d in chat %s", messageID, id)
}

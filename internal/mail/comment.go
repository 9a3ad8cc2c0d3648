package mail

import (
	"fmt"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/message"

	"github.com/gotrs-io/whups/internal/i18n"
)

// Headers already represented by the ticket itself.
var omittedCommentHeaders = map[string]bool{
	"subject": true,
	"from":    true,
	"to":      true,
	"cc":      true,
	"date":    true,
}

var (
	htmlPrePolicy   = bluemonday.UGCPolicy()
	htmlStripPolicy = bluemonday.StrictPolicy()
)

func summaryOf(h *Header, p *message.Printer) string {
	if subject := strings.TrimSpace(h.Get("Subject")); subject != "" {
		return subject
	}
	return p.Sprintf(i18n.NoSubject)
}

func composeComment(msg *Message, includeHeaders bool, p *message.Printer) string {
	var b strings.Builder
	b.WriteString(p.Sprintf(i18n.ReceivedMessage))
	b.WriteString("\n\n")

	if includeHeaders {
		for _, name := range msg.Header.Names() {
			if omittedCommentHeaders[strings.ToLower(name)] {
				continue
			}
			for _, value := range msg.Header.Values(name) {
				fmt.Fprintf(&b, "%s: %s\n", name, value)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(renderBody(msg.FindBody(), p))
	b.WriteString("\n")
	return b.String()
}

func renderBody(body *Part, p *message.Printer) string {
	if body == nil {
		return p.Sprintf(i18n.UnrenderableBody)
	}
	switch body.Type {
	case "text/plain":
		return strings.ToValidUTF8(string(body.Content), "�")
	case "text/html":
		return htmlToText(string(body.Content))
	default:
		return p.Sprintf(i18n.UnrenderableBody)
	}
}

// htmlToText renders HTML as plain text without wrapping long lines.
func htmlToText(src string) string {
	cleaned := htmlPrePolicy.Sanitize(strings.ToValidUTF8(src, "�"))
	text, err := html2text.FromString(cleaned, html2text.Options{})
	if err != nil {
		return strings.TrimSpace(htmlStripPolicy.Sanitize(cleaned))
	}
	return text
}

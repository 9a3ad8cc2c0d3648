package mail

import (
	"fmt"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gotrs-io/whups/internal/i18n"
	"github.com/gotrs-io/whups/internal/ticket"
)

// TempStore holds attachment bytes on behalf of a single ingestion call.
type TempStore interface {
	Put(name, contentType string, content []byte) (ticket.Attachment, error)
	Release(attachments []ticket.Attachment)
}

func (in *Ingestor) extractAttachments(msg *Message, p *message.Printer) ([]ticket.Attachment, error) {
	var out []ticket.Attachment
	put := func(name, contentType string, content []byte) error {
		att, err := in.temp.Put(name, contentType, content)
		if err != nil {
			in.temp.Release(out)
			return fmt.Errorf("store attachment %q: %w", name, err)
		}
		out = append(out, att)
		return nil
	}

	if in.attachMessage {
		if err := put(p.Sprintf(i18n.OriginalMessage)+".eml", "message/rfc822", msg.Raw()); err != nil {
			return nil, err
		}
	}

	body := msg.FindBody()
	for _, part := range msg.Parts() {
		if part.ID == rootPartID || skipAttachment(part, body) {
			continue
		}
		if err := put(attachmentName(part, p), part.Type, part.Content); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func skipAttachment(part, body *Part) bool {
	if body != nil && part.ID == body.ID && part.Type == "text/plain" {
		return true
	}
	return part.Type == "multipart/alternative" || part.Type == "multipart/mixed"
}

// attachmentName prefers the name carried by the part, otherwise builds
// "<Label> part" plus an extension derived from the media type.
func attachmentName(part *Part, p *message.Printer) string {
	if part.Name != "" {
		return part.Name
	}
	label := part.Primary()
	if label == "multipart" || label == "application" {
		label = part.Subtype()
	}
	name := p.Sprintf(i18n.PartName, ucfirst(label))
	if ext := extensionFor(part.Type); ext != "" {
		name += ext
	}
	return name
}

func ucfirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return cases.Upper(language.Und).String(string(r)) + s[size:]
}

func extensionFor(mediaType string) string {
	if m := mimetype.Lookup(mediaType); m != nil {
		return m.Extension()
	}
	return ""
}

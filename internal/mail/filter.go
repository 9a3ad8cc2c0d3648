package mail

import "strings"

// GeneratedHeader marks mail sent by this system. Inbound copies are dropped.
const GeneratedHeader = "X-Whups-Generated"

// Reasons reported for dropped messages.
const (
	ReasonSelfGenerated = "self_generated"
	ReasonBounce        = "bounce"
	ReasonAutoReply     = "auto_reply"
	ReasonMailingList   = "list_administrivia"
	ReasonUnparsable    = "unparsable"
)

// selfGenerated reports whether the message carries our own marker header.
func selfGenerated(h *Header) bool {
	return h.Has(GeneratedHeader)
}

// autoReplyReason returns a non-empty reason when the message is a bounce,
// an out-of-office style auto reply or list administrivia.
func autoReplyReason(h *Header) string {
	switch {
	case strings.Contains(strings.ToLower(h.Get("Content-Type")), "multipart/report"):
		return ReasonBounce
	case fromDaemon(h.Get("From")):
		return ReasonBounce
	case h.Contains("X-Failed-Recipients"):
		return ReasonBounce
	case h.Contains("X-Autoreply-Domain"):
		return ReasonAutoReply
	case strings.EqualFold(h.Get("Auto-Submitted"), "auto-replied"):
		return ReasonAutoReply
	case strings.EqualFold(h.Get("Precedence"), "auto_reply"),
		strings.EqualFold(h.Get("X-Precedence"), "auto_reply"):
		return ReasonAutoReply
	case strings.EqualFold(h.Get("X-Auto-Response-Suppress"), "All"):
		return ReasonAutoReply
	case strings.EqualFold(h.Get("X-List-Administrivia"), "Yes"):
		return ReasonMailingList
	}
	return ""
}

func fromDaemon(from string) bool {
	from = strings.ToLower(from)
	return strings.Contains(from, "mailer-daemon@") || strings.Contains(from, "postmaster@")
}

package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const rootPartID = "0"

// Part is one MIME entity of a parsed message.
type Part struct {
	// ID is the dotted MIME id: "0" for the root, "1", "2", "2.1" below it.
	ID          string
	Type        string
	Params      map[string]string
	Disposition string
	Name        string
	// Content is the transfer-decoded body. Text parts are converted to UTF-8
	// when their charset is known. Multipart containers hold their raw body.
	Content []byte
}

// Primary returns the primary media type, e.g. "text".
func (p *Part) Primary() string {
	primary, _, _ := strings.Cut(p.Type, "/")
	return primary
}

// Subtype returns the media subtype, e.g. "plain".
func (p *Part) Subtype() string {
	_, sub, _ := strings.Cut(p.Type, "/")
	return sub
}

// IsMultipart reports whether the part is a multipart container.
func (p *Part) IsMultipart() bool {
	return p.Primary() == "multipart"
}

// Message is a parsed inbound message.
type Message struct {
	Header *Header

	raw        []byte
	rootHeader gomessage.Header
	parts      []*Part
	index      map[string]*Part
}

// Parse reads a raw RFC 822 message into its header and MIME part list.
// Unknown charsets and transfer encodings are tolerated; the affected part
// keeps its undecoded bytes. A leading mbox "From " envelope line is
// dropped, and header lines that are not "Name: value" fields are skipped.
// Input that still cannot be read fails with ErrUnparsable.
func Parse(raw []byte) (*Message, error) {
	raw = stripEnvelope(raw)
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrUnparsable)
	}
	entity, err := readEntity(raw)
	if err != nil {
		var retryErr error
		if entity, retryErr = readEntity(cleanHeader(raw)); retryErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
		}
	}

	msg := &Message{
		Header:     headerFromEntity(entity.Header),
		raw:        raw,
		rootHeader: entity.Header,
		index:      make(map[string]*Part),
	}
	msg.collect(entity, rootPartID)
	return msg, nil
}

func readEntity(raw []byte) (*gomessage.Entity, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, err
	}
	if entity == nil {
		return nil, errors.New("empty message")
	}
	return entity, nil
}

// stripEnvelope drops the "From sender date" line MTAs prepend on pipe
// delivery.
func stripEnvelope(raw []byte) []byte {
	if !bytes.HasPrefix(raw, []byte("From ")) {
		return raw
	}
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		return raw[i+1:]
	}
	return nil
}

// cleanHeader rewrites the header block keeping only well-formed fields and
// their continuation lines, and terminates it with a blank line when the
// input has none. The body is passed through untouched.
func cleanHeader(raw []byte) []byte {
	head, rest := raw, []byte(nil)
	if i := headerEnd(raw); i >= 0 {
		head, rest = raw[:i], raw[i:]
	}

	var out bytes.Buffer
	kept := false
	for _, line := range bytes.Split(head, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if kept {
				out.Write(line)
				out.WriteString("\r\n")
			}
			continue
		}
		kept = validField(line)
		if kept {
			out.Write(line)
			out.WriteString("\r\n")
		}
	}
	if rest == nil {
		out.WriteString("\r\n")
	} else {
		out.Write(rest)
	}
	return out.Bytes()
}

// headerEnd returns the offset of the blank line ending the header block,
// or -1 when there is none.
func headerEnd(raw []byte) int {
	if bytes.HasPrefix(raw, []byte("\n")) || bytes.HasPrefix(raw, []byte("\r\n")) {
		return 0
	}
	end := -1
	for _, sep := range []string{"\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 && (end < 0 || i+1 < end) {
			end = i + 1
		}
	}
	return end
}

// validField reports whether line starts with a field name made of
// printable ASCII followed by a colon. Blanks around the name are allowed.
func validField(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return false
	}
	key := bytes.Trim(line[:colon], " \t")
	if len(key) == 0 {
		return false
	}
	for _, c := range key {
		if c < '!' || c > '~' {
			return false
		}
	}
	return true
}

func tolerable(err error) bool {
	return gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)
}

func (m *Message) collect(e *gomessage.Entity, id string) {
	part := &Part{ID: id}
	part.Type, part.Params = mediaType(e.Header)
	if disp, _, err := e.Header.ContentDisposition(); err == nil {
		part.Disposition = strings.ToLower(disp)
	}
	ah := gomail.AttachmentHeader{Header: e.Header}
	if name, _ := ah.Filename(); name != "" {
		part.Name = name
	}

	// Truncated parts keep whatever could be read.
	content, _ := io.ReadAll(e.Body)
	part.Content = content
	m.parts = append(m.parts, part)
	m.index[id] = part

	if !part.IsMultipart() {
		return
	}
	container, err := gomessage.New(e.Header, bytes.NewReader(content))
	if err != nil && !tolerable(err) {
		return
	}
	mr := container.MultipartReader()
	if mr == nil {
		return
	}
	for n := 1; ; n++ {
		child, err := mr.NextPart()
		if err != nil && (child == nil || !tolerable(err)) {
			// End of the container, or a malformed one: keep what was parsed.
			return
		}
		m.collect(child, childID(id, n))
	}
}

func childID(parent string, n int) string {
	if parent == rootPartID {
		return strconv.Itoa(n)
	}
	return parent + "." + strconv.Itoa(n)
}

func mediaType(h gomessage.Header) (string, map[string]string) {
	t, params, err := h.ContentType()
	if err != nil || t == "" {
		raw := strings.TrimSpace(h.Get("Content-Type"))
		t, _, _ = strings.Cut(raw, ";")
		t = strings.ToLower(strings.TrimSpace(t))
	}
	if !strings.Contains(t, "/") {
		t = "text/plain"
	}
	if params == nil {
		params = map[string]string{}
	}
	return t, params
}

// Raw returns the message exactly as received.
func (m *Message) Raw() []byte {
	return m.raw
}

// Parts returns the MIME parts in document order, root first.
func (m *Message) Parts() []*Part {
	return m.parts
}

// Part returns the part with the given MIME id, or nil.
func (m *Message) Part(id string) *Part {
	return m.index[id]
}

// Root returns the top-level entity.
func (m *Message) Root() *Part {
	return m.index[rootPartID]
}

// FindBody returns the first text part that is not an attachment. For
// multipart messages only the first top-level subtree is considered. It
// returns nil when the message has no body part.
func (m *Message) FindBody() *Part {
	root := m.Root()
	for _, p := range m.parts {
		if p.Primary() != "text" || p.Disposition == "attachment" {
			continue
		}
		if root != nil && root.IsMultipart() && topLevelIndex(p.ID) != 1 {
			continue
		}
		return p
	}
	return nil
}

func topLevelIndex(id string) int {
	head, _, _ := strings.Cut(id, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return n
}

// From returns the decoded From header.
func (m *Message) From() string {
	return m.Header.Get("From")
}

// FromAddress returns the bare address of the first From mailbox.
func (m *Message) FromAddress() string {
	h := gomail.Header{Header: m.rootHeader}
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	from := m.From()
	if start := strings.LastIndex(from, "<"); start >= 0 {
		if end := strings.Index(from[start:], ">"); end > 0 {
			return strings.TrimSpace(from[start+1 : start+end])
		}
	}
	return strings.TrimSpace(from)
}

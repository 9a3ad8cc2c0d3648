package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotrs-io/whups/internal/identity"
	"github.com/gotrs-io/whups/internal/ticket"
)

type commitCall struct {
	id      int64
	changes ticket.Changes
	author  string
	// contents of each attachment at commit time
	contents []string
}

type createCall struct {
	info     ticket.CreationInfo
	author   string
	contents []string
}

type fakeStore struct {
	tickets   map[int64]*ticket.Ticket
	queues    []ticket.Queue
	lookupErr error
	commitErr error
	temp      *memoryTemp

	lookups []int64
	commits []commitCall
	creates []createCall
	nextID  int64
}

func newFakeStore(ids ...int64) *fakeStore {
	s := &fakeStore{tickets: map[int64]*ticket.Ticket{}, nextID: 100}
	for _, id := range ids {
		s.tickets[id] = &ticket.Ticket{ID: id}
	}
	return s
}

func (s *fakeStore) calls() int {
	return len(s.lookups) + len(s.commits) + len(s.creates)
}

func (s *fakeStore) Ticket(_ context.Context, id int64) (*ticket.Ticket, error) {
	s.lookups = append(s.lookups, id)
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	t, ok := s.tickets[id]
	if !ok {
		return nil, ticket.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) Queues(context.Context) ([]ticket.Queue, error) {
	return s.queues, nil
}

func (s *fakeStore) Create(_ context.Context, info *ticket.CreationInfo, author string) (*ticket.Ticket, error) {
	s.creates = append(s.creates, createCall{info: *info, author: author, contents: s.snapshot(info.Attachments)})
	s.nextID++
	t := &ticket.Ticket{ID: s.nextID, Summary: info.Summary, QueueID: info.QueueID}
	s.tickets[t.ID] = t
	return t, nil
}

func (s *fakeStore) Commit(_ context.Context, id int64, changes ticket.Changes, author string) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits = append(s.commits, commitCall{id: id, changes: changes, author: author, contents: s.snapshot(changes.Attachments)})
	return nil
}

func (s *fakeStore) snapshot(atts []ticket.Attachment) []string {
	if s.temp == nil {
		return nil
	}
	out := make([]string, 0, len(atts))
	for _, a := range atts {
		out = append(out, s.temp.files[a.Path])
	}
	return out
}

type memoryTemp struct {
	files    map[string]string
	failOn   string
	seq      int
	released []string
}

func newMemoryTemp() *memoryTemp {
	return &memoryTemp{files: map[string]string{}}
}

func (m *memoryTemp) Put(name, contentType string, content []byte) (ticket.Attachment, error) {
	if m.failOn != "" && strings.Contains(name, m.failOn) {
		return ticket.Attachment{}, errors.New("disk full")
	}
	m.seq++
	path := fmt.Sprintf("/tmp/att-%d", m.seq)
	m.files[path] = string(content)
	return ticket.Attachment{Name: name, Path: path, ContentType: contentType, Size: int64(len(content))}, nil
}

func (m *memoryTemp) Release(atts []ticket.Attachment) {
	for _, a := range atts {
		if _, ok := m.files[a.Path]; ok {
			delete(m.files, a.Path)
			m.released = append(m.released, a.Path)
		}
	}
}

type staticDirectory struct {
	accounts []identity.Account
	err      error
}

func (d staticDirectory) Accounts(context.Context) ([]identity.Account, error) {
	return d.accounts, d.err
}

func rawMessage(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/whups/internal/auth"
	"github.com/gotrs-io/whups/internal/storage"
	"github.com/gotrs-io/whups/internal/ticket"
)

type fakeHistory struct {
	entries []ticket.LogEntry
	atts    []ticket.StoredAttachment
}

func (f fakeHistory) History(context.Context, int64) ([]ticket.LogEntry, error) {
	return f.entries, nil
}

func (f fakeHistory) Attachments(context.Context, int64) ([]ticket.StoredAttachment, error) {
	return f.atts, nil
}

type fakeBlobs map[string]string

func (f fakeBlobs) Open(_ context.Context, location string) (io.ReadCloser, error) {
	content, ok := f[location]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func newHistoryServer() *Server {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(Deps{
		Watchers: newFakeWatchers(),
		History: fakeHistory{
			entries: []ticket.LogEntry{
				{ID: 1, TicketID: 7, Timestamp: now, Type: ticket.LogCreate, Value: "Printer jam", UserID: "alice"},
				{ID: 2, TicketID: 7, Timestamp: now, Type: ticket.LogComment, Value: "Received message", UserID: "alice"},
			},
			atts: []ticket.StoredAttachment{
				{ID: 3, TicketID: 7, Name: "report.txt", ContentType: "text/plain", Size: 5, Location: "7/report.txt"},
				{ID: 4, TicketID: 7, Name: "gone.bin", Size: 1, Location: "7/gone.bin"},
			},
		},
		Attachments: fakeBlobs{"7/report.txt": "hello"},
		Tokens:      auth.NewJWTManager(secret, "whups"),
	}, WithLogger(zerolog.Nop()))
}

func authed(t *testing.T, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", bearer(t))
	return req
}

func TestHistoryEndpoint(t *testing.T) {
	srv := newHistoryServer()

	w := do(srv, authed(t, "/api/v1/tickets/7/history"))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		History []ticket.LogEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.History, 2)
	assert.Equal(t, ticket.LogCreate, body.History[0].Type)

	w = do(srv, authed(t, "/api/v1/tickets/99/history"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAttachmentEndpoints(t *testing.T) {
	srv := newHistoryServer()

	w := do(srv, authed(t, "/api/v1/tickets/7/attachments"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"report.txt"`)
	assert.NotContains(t, w.Body.String(), "7/report.txt")

	w = do(srv, authed(t, "/api/v1/tickets/7/attachments/3"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=report.txt", w.Header().Get("Content-Disposition"))

	w = do(srv, authed(t, "/api/v1/tickets/7/attachments/4"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, authed(t, "/api/v1/tickets/7/attachments/8"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, authed(t, "/api/v1/tickets/7/attachments/abc"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryDisabled(t *testing.T) {
	w := do(newTestServer(newFakeWatchers(), &fakeIngestor{}), authed(t, "/api/v1/tickets/7/history"))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/whups/internal/auth"
	"github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/scheduler"
	"github.com/gotrs-io/whups/internal/ticket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWatchers struct {
	tickets  map[int64]*ticket.Ticket
	watchers map[int64][]string
	failWith error
}

func newFakeWatchers() *fakeWatchers {
	return &fakeWatchers{
		tickets: map[int64]*ticket.Ticket{
			7: {ID: 7, Summary: "Printer jam", Requester: "alice", UpdatedAt: time.Now().Add(-2 * time.Hour)},
		},
		watchers: map[int64][]string{7: {"bob@example.com"}},
	}
}

func (f *fakeWatchers) Ticket(_ context.Context, id int64) (*ticket.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return nil, ticket.ErrNotFound
	}
	return t, nil
}

func (f *fakeWatchers) Watchers(ctx context.Context, id int64) ([]string, error) {
	if _, err := f.Ticket(ctx, id); err != nil {
		return nil, err
	}
	return f.watchers[id], nil
}

func (f *fakeWatchers) AddWatcher(ctx context.Context, id int64, email string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	addr, err := ticket.ParseEmail(email)
	if err != nil {
		return "", err
	}
	if _, err := f.Ticket(ctx, id); err != nil {
		return "", err
	}
	f.watchers[id] = append(f.watchers[id], addr)
	return addr, nil
}

func (f *fakeWatchers) RemoveWatcher(ctx context.Context, id int64, email string) (string, error) {
	addr, err := ticket.ParseEmail(email)
	if err != nil {
		return "", err
	}
	if _, err := f.Ticket(ctx, id); err != nil {
		return "", err
	}
	kept := f.watchers[id][:0]
	for _, w := range f.watchers[id] {
		if w != addr {
			kept = append(kept, w)
		}
	}
	f.watchers[id] = kept
	return addr, nil
}

type fakeIngestor struct {
	raw  string
	info *ticket.CreationInfo
	res  mail.Result
	err  error
}

func (f *fakeIngestor) Ingest(_ context.Context, raw []byte, info *ticket.CreationInfo, _ string) (mail.Result, error) {
	f.raw, f.info = string(raw), info
	return f.res, f.err
}

type fakePolls []scheduler.PollStatus

func (f fakePolls) Status(context.Context) ([]scheduler.PollStatus, error) { return f, nil }

const secret = "test-secret"

func newTestServer(w *fakeWatchers, ing *fakeIngestor) *Server {
	return New(Deps{
		Watchers: w,
		Ingestor: ing,
		Polls:    fakePolls{{Mailbox: "support", LastStatus: "ok"}},
		Tokens:   auth.NewJWTManager(secret, "whups"),
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	}, WithLogger(zerolog.Nop()))
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := auth.NewJWTManager(secret, "whups").GenerateToken("agent", "agent@example.com", time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func postForm(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func getPage(t *testing.T, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", bearer(t))
	return req
}

// postWatch submits a watcher form the way a browser would after loading
// the page as "agent".
func postWatch(t *testing.T, id int64, values url.Values) *http.Request {
	t.Helper()
	token, err := auth.NewJWTManager(secret, "whups").GenerateFormToken("agent", fmt.Sprintf("/tickets/%d/watch", id), time.Hour)
	require.NoError(t, err)
	values.Set("form_token", token)
	req := postForm(fmt.Sprintf("/tickets/%d/watch", id), values)
	req.Header.Set("Authorization", bearer(t))
	return req
}

var formTokenRe = regexp.MustCompile(`name="form_token" value="([^"]+)"`)

func TestWatchPageRendersWatchers(t *testing.T) {
	srv := newTestServer(newFakeWatchers(), &fakeIngestor{})

	w := do(srv, getPage(t, "/tickets/7/watch"))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Watchers for [#7] Printer jam")
	assert.Contains(t, body, "bob@example.com")
	assert.Contains(t, body, `name="addlistenerform"`)
	assert.Contains(t, body, `name="del_listener"`)
	assert.Contains(t, body, "hours ago")
	assert.Len(t, formTokenRe.FindAllString(body, -1), 2)

	w = do(srv, getPage(t, "/tickets/99/watch"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `Could not find ticket "99".`)

	w = do(srv, getPage(t, "/tickets/abc/watch"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWatchPageLocalized(t *testing.T) {
	srv := newTestServer(newFakeWatchers(), &fakeIngestor{})
	req := getPage(t, "/tickets/7/watch")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	w := do(srv, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `lang="de"`)
	assert.NotContains(t, w.Body.String(), "Watchers for")
}

func TestWatchPageRequiresSession(t *testing.T) {
	watchers := newFakeWatchers()
	srv := newTestServer(watchers, &fakeIngestor{})

	w := do(srv, httptest.NewRequest(http.MethodGet, "/tickets/7/watch", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(srv, postForm("/tickets/7/watch", url.Values{"formname": {"addlistenerform"}, "add_listener": {"spam@example.com"}}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := postForm("/tickets/7/watch?token="+strings.TrimPrefix(bearer(t), "Bearer "),
		url.Values{"formname": {"addlistenerform"}, "add_listener": {"spam@example.com"}})
	assert.Equal(t, http.StatusUnauthorized, do(srv, req).Code, "query tokens are only honoured on GET")

	req = httptest.NewRequest(http.MethodGet, "/tickets/7/watch", nil)
	req.AddCookie(&http.Cookie{Name: "whups_token", Value: "nonsense"})
	assert.Equal(t, http.StatusUnauthorized, do(srv, req).Code)

	closed := New(Deps{Watchers: watchers}, WithLogger(zerolog.Nop()))
	assert.Equal(t, http.StatusUnauthorized, do(closed, getPage(t, "/tickets/7/watch")).Code)

	assert.Equal(t, []string{"bob@example.com"}, watchers.watchers[7])
}

func TestWatchPageQueryTokenBecomesCookie(t *testing.T) {
	watchers := newFakeWatchers()
	srv := newTestServer(watchers, &fakeIngestor{})

	raw := strings.TrimPrefix(bearer(t), "Bearer ")
	w := do(srv, httptest.NewRequest(http.MethodGet, "/tickets/7/watch?token="+raw, nil))
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "whups_token", cookies[0].Name)
	assert.Equal(t, raw, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookies[0].SameSite)
	assert.NotContains(t, w.Body.String(), raw)

	m := formTokenRe.FindStringSubmatch(w.Body.String())
	require.Len(t, m, 2)
	req := postForm("/tickets/7/watch", url.Values{
		"formname":     {"addlistenerform"},
		"add_listener": {"carol@example.com"},
		"form_token":   {m[1]},
	})
	req.AddCookie(cookies[0])
	w = do(srv, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, watchers.watchers[7])
}

func TestWatchFormRequiresFormToken(t *testing.T) {
	watchers := newFakeWatchers()
	srv := newTestServer(watchers, &fakeIngestor{})
	add := url.Values{"formname": {"addlistenerform"}, "add_listener": {"carol@example.com"}}

	req := postForm("/tickets/7/watch", add)
	req.Header.Set("Authorization", bearer(t))
	w := do(srv, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "This form has expired.")
	assert.Contains(t, w.Body.String(), `value="carol@example.com"`)

	other, err := auth.NewJWTManager(secret, "whups").GenerateFormToken("agent", "/tickets/8/watch", time.Hour)
	require.NoError(t, err)
	forged := url.Values{"formname": {"addlistenerform"}, "add_listener": {"carol@example.com"}, "form_token": {other}}
	req = postForm("/tickets/7/watch", forged)
	req.Header.Set("Authorization", bearer(t))
	assert.Equal(t, http.StatusForbidden, do(srv, req).Code)

	stranger, err := auth.NewJWTManager(secret, "whups").GenerateFormToken("mallory", "/tickets/7/watch", time.Hour)
	require.NoError(t, err)
	forged.Set("form_token", stranger)
	req = postForm("/tickets/7/watch", forged)
	req.Header.Set("Authorization", bearer(t))
	assert.Equal(t, http.StatusForbidden, do(srv, req).Code)

	assert.Equal(t, []string{"bob@example.com"}, watchers.watchers[7])
}

func TestWatchFormAddAndRemove(t *testing.T) {
	watchers := newFakeWatchers()
	srv := newTestServer(watchers, &fakeIngestor{})

	w := do(srv, postWatch(t, 7, url.Values{"formname": {"addlistenerform"}, "add_listener": {"carol@example.com"}}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "carol@example.com will be notified when this ticket is updated.")
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, watchers.watchers[7])

	w = do(srv, postWatch(t, 7, url.Values{"formname": {"deletelistenerform"}, "del_listener": {"bob@example.com"}}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob@example.com will no longer receive updates for this ticket.")
	assert.Equal(t, []string{"carol@example.com"}, watchers.watchers[7])
}

func TestWatchFormErrors(t *testing.T) {
	srv := newTestServer(newFakeWatchers(), &fakeIngestor{})

	w := do(srv, postWatch(t, 7, url.Values{"formname": {"addlistenerform"}, "add_listener": {"not an address"}}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "A valid email address is required.")
	assert.Contains(t, w.Body.String(), `value="not an address"`)

	w = do(srv, postWatch(t, 7, url.Values{"formname": {"other"}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Unknown form.")

	req := postWatch(t, 7, url.Values{"formname": {"other"}})
	req.Header.Set("Accept-Language", "de")
	w = do(srv, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Unbekanntes Formular.")

	w = do(srv, postWatch(t, 99, url.Values{"formname": {"addlistenerform"}, "add_listener": {"carol@example.com"}}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	broken := newFakeWatchers()
	broken.failWith = errors.New("database down")
	w = do(newTestServer(broken, &fakeIngestor{}), postWatch(t, 7, url.Values{"formname": {"addlistenerform"}, "add_listener": {"carol@example.com"}}))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWatcherAPIRequiresToken(t *testing.T) {
	srv := newTestServer(newFakeWatchers(), &fakeIngestor{})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/tickets/7/watchers", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tickets/7/watchers", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	assert.Equal(t, http.StatusUnauthorized, do(srv, req).Code)

	closed := New(Deps{Watchers: newFakeWatchers()}, WithLogger(zerolog.Nop()))
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tickets/7/watchers", nil)
	req.Header.Set("Authorization", bearer(t))
	assert.Equal(t, http.StatusUnauthorized, do(closed, req).Code)
}

func TestWatcherAPI(t *testing.T) {
	watchers := newFakeWatchers()
	srv := newTestServer(watchers, &fakeIngestor{})
	token := bearer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets/7/watchers", strings.NewReader(`{"email":"carol@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	w := do(srv, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"ticket_id":7,"email":"carol@example.com"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tickets/7/watchers", nil)
	req.Header.Set("Authorization", token)
	w = do(srv, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ticket_id":7,"watchers":["bob@example.com","carol@example.com"]}`, w.Body.String())

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tickets/7/watchers?email=bob@example.com", nil)
	req.Header.Set("Authorization", token)
	w = do(srv, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"carol@example.com"}, watchers.watchers[7])

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tickets/7/watchers", strings.NewReader(`{"email":"bad"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusUnprocessableEntity, do(srv, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tickets/99/watchers", nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusNotFound, do(srv, req).Code)
}

func TestIngestMailEndpoint(t *testing.T) {
	ing := &fakeIngestor{res: mail.Result{Action: mail.ActionNewTicket, TicketID: 12, Author: "alice"}}
	srv := newTestServer(newFakeWatchers(), ing)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mail?queue=2&priority=3&guess_queue=true&default_auth=bot",
		strings.NewReader("Subject: hi\r\n\r\nbody"))
	req.Header.Set("Authorization", bearer(t))
	w := do(srv, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "new_ticket", res["action"])
	assert.Equal(t, float64(12), res["ticket_id"])
	assert.Equal(t, "Subject: hi\r\n\r\nbody", ing.raw)
	assert.Equal(t, 2, ing.info.QueueID)
	assert.Equal(t, 3, ing.info.PriorityID)
	assert.True(t, ing.info.GuessQueue)
	assert.Equal(t, "bot", ing.info.DefaultAuthor)

	ing.err = &mail.TicketNotFoundError{ID: 5}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/mail?ticket=5", strings.NewReader("Subject: hi\r\n\r\nbody"))
	req.Header.Set("Authorization", bearer(t))
	assert.Equal(t, http.StatusNotFound, do(srv, req).Code)
	assert.Equal(t, int64(5), ing.info.TicketID)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/mail", strings.NewReader(""))
	req.Header.Set("Authorization", bearer(t))
	assert.Equal(t, http.StatusBadRequest, do(srv, req).Code)
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(newFakeWatchers(), &fakeIngestor{})

	w := do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"database":"ok"}}`, w.Body.String())

	w = do(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mailboxes", nil)
	req.Header.Set("Authorization", bearer(t))
	w = do(srv, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mailbox":"support"`)

	sick := New(Deps{Watchers: newFakeWatchers(), Checks: map[string]HealthCheck{
		"storage": func(context.Context) error { return errors.New("read-only filesystem") },
	}}, WithLogger(zerolog.Nop()))
	w = do(sick, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "read-only filesystem")
}

package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	whupsmail "github.com/gotrs-io/whups/internal/mail"
	"github.com/gotrs-io/whups/internal/ticket"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

type fakeClient struct {
	authMech string
	from     string
	rcpts    []string
	data     bufferCloser
	rcptErr  error
	quit     bool
	closed   bool
}

func (f *fakeClient) Auth(a sasl.Client) error {
	mech, _, err := a.Start()
	f.authMech = mech
	return err
}

func (f *fakeClient) Mail(from string) error {
	f.from = from
	return nil
}

func (f *fakeClient) Rcpt(to string) error {
	if f.rcptErr != nil {
		return f.rcptErr
	}
	f.rcpts = append(f.rcpts, to)
	return nil
}

func (f *fakeClient) Data() (io.WriteCloser, error) { return &f.data, nil }

func (f *fakeClient) Quit() error {
	f.quit = true
	return nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestNotifier(cfg Config, fake *fakeClient) *SMTPNotifier {
	n := NewSMTPNotifier(cfg)
	n.dial = func(Config) (client, error) { return fake, nil }
	n.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	n.logger = zerolog.Nop()
	return n
}

func TestNotifySendsGeneratedMessage(t *testing.T) {
	fake := &fakeClient{}
	n := newTestNotifier(Config{Enabled: true, Host: "mx", Port: 587, From: "Whups <whups@example.com>", User: "u", Password: "p"}, fake)

	err := n.Notify(context.Background(), ticket.Notification{
		TicketID:   7,
		Recipients: []string{"carol@example.com", "dave@example.com"},
		Subject:    "[#7] Printer jam",
		Body:       "Ticket [#7] Printer jam has been updated.",
	})
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", fake.authMech)
	assert.Equal(t, "whups@example.com", fake.from)
	assert.Equal(t, []string{"carol@example.com", "dave@example.com"}, fake.rcpts)
	assert.True(t, fake.data.closed)
	assert.True(t, fake.quit)
	assert.True(t, fake.closed)

	msg, err := whupsmail.Parse(fake.data.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "1", msg.Header.Get(whupsmail.GeneratedHeader))
	assert.Equal(t, "auto-generated", msg.Header.Get("Auto-Submitted"))
	assert.Equal(t, "7", msg.Header.Get("X-Whups-Ticket"))
	assert.Equal(t, "[#7] Printer jam", msg.Header.Get("Subject"))
	body := msg.FindBody()
	require.NotNil(t, body)
	assert.Equal(t, "Ticket [#7] Printer jam has been updated.", string(body.Content))
}

func TestNotifyUsesLoginAuth(t *testing.T) {
	fake := &fakeClient{}
	n := newTestNotifier(Config{Enabled: true, From: "whups@example.com", User: "u", Password: "p", AuthType: "LOGIN"}, fake)
	require.NoError(t, n.Notify(context.Background(), ticket.Notification{Recipients: []string{"a@example.com"}}))
	assert.Equal(t, "LOGIN", fake.authMech)
}

func TestNotifySkipsAuthWithoutCredentials(t *testing.T) {
	fake := &fakeClient{}
	n := newTestNotifier(Config{Enabled: true, From: "whups@example.com"}, fake)
	require.NoError(t, n.Notify(context.Background(), ticket.Notification{Recipients: []string{"a@example.com"}}))
	assert.Empty(t, fake.authMech)
}

func TestNotifyDisabledIsNoop(t *testing.T) {
	n := newTestNotifier(Config{}, nil)
	n.dial = func(Config) (client, error) { return nil, errors.New("must not dial") }
	assert.NoError(t, n.Notify(context.Background(), ticket.Notification{Recipients: []string{"a@example.com"}}))
}

func TestNotifyErrors(t *testing.T) {
	fake := &fakeClient{rcptErr: errors.New("550 no such user")}
	n := newTestNotifier(Config{Enabled: true, From: "whups@example.com"}, fake)

	err := n.Notify(context.Background(), ticket.Notification{})
	assert.EqualError(t, err, "no recipients specified")

	err = n.Notify(context.Background(), ticket.Notification{Recipients: []string{"x@example.com"}})
	assert.ErrorContains(t, err, "550 no such user")
	assert.True(t, fake.closed)

	bad := newTestNotifier(Config{Enabled: true, From: "not an address"}, &fakeClient{})
	assert.Error(t, bad.Notify(context.Background(), ticket.Notification{Recipients: []string{"x@example.com"}}))
}

func TestEffectiveTLSMode(t *testing.T) {
	assert.Equal(t, "smtps", Config{Port: 465}.EffectiveTLSMode())
	assert.Equal(t, "starttls", Config{Port: 587}.EffectiveTLSMode())
	assert.Equal(t, "none", Config{Port: 25, TLSMode: "NONE"}.EffectiveTLSMode())
	assert.Equal(t, "starttls", Config{Port: 465, TLSMode: "starttls"}.EffectiveTLSMode())
}

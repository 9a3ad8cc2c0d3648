package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-ldap/ldap/v3"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory struct {
	accounts []Account
	err      error
	calls    int
}

func (d *staticDirectory) Accounts(context.Context) ([]Account, error) {
	d.calls++
	return d.accounts, d.err
}

var sample = []Account{
	{ID: "alice", FromAddresses: []string{"alice@example.com", "a.smith@example.org"}},
	{ID: "bob", FromAddresses: []string{" Bob@Example.com "}},
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, "alice", Match(sample, "A.Smith@EXAMPLE.org"))
	assert.Equal(t, "bob", Match(sample, "bob@example.com"))
	assert.Empty(t, Match(sample, "carol@example.com"))
	assert.Empty(t, Match(sample, "  "))
}

func TestLookupAndAddresses(t *testing.T) {
	ctx := context.Background()
	dir := &staticDirectory{accounts: sample}

	id, err := Lookup(ctx, dir, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	id, err = Lookup(ctx, nil, "alice@example.com")
	require.NoError(t, err)
	assert.Empty(t, id)

	addrs, err := Addresses(ctx, dir, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "a.smith@example.org"}, addrs)

	_, err = Lookup(ctx, &staticDirectory{err: errors.New("down")}, "x@example.com")
	assert.Error(t, err)
}

func TestSQLDirectoryGroupsAddresses(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	dir := NewSQLDirectory(sqlx.NewDb(raw, "mysql"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM whups_accounts a")).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "account_name", "address"}).
			AddRow("alice", "Alice", "a.smith@example.org").
			AddRow("alice", "Alice", "alice@example.com").
			AddRow("bob", "", "bob@example.com"))

	accounts, err := dir.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, Account{ID: "alice", Name: "Alice", FromAddresses: []string{"a.smith@example.org", "alice@example.com"}}, accounts[0])
	assert.Equal(t, []string{"bob@example.com"}, accounts[1].FromAddresses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDirectoryAddAddress(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	dir := NewSQLDirectory(sqlx.NewDb(raw, "mysql"))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM whups_accounts WHERE account_id = ?")).
		WithArgs("carol").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO whups_accounts")).
		WithArgs("carol", "Carol").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO whups_account_addresses")).
		WithArgs("carol", "carol@example.com").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, dir.AddAddress(context.Background(), "carol", "Carol", "carol@example.com"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeLDAP struct {
	bound   []string
	request *ldap.SearchRequest
	result  *ldap.SearchResult
	err     error
}

func (f *fakeLDAP) Bind(user, _ string) error {
	f.bound = append(f.bound, user)
	return nil
}

func (f *fakeLDAP) SearchWithPaging(req *ldap.SearchRequest, _ uint32) (*ldap.SearchResult, error) {
	f.request = req
	return f.result, f.err
}

func TestLDAPDirectoryAccounts(t *testing.T) {
	fake := &fakeLDAP{result: &ldap.SearchResult{Entries: []*ldap.Entry{
		ldap.NewEntry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{
			"uid":                  {"alice"},
			"cn":                   {"Alice Smith"},
			"mail":                 {"alice@example.com"},
			"mailAlternateAddress": {"a.smith@example.org"},
		}),
		ldap.NewEntry("uid=svc,ou=people,dc=example,dc=com", map[string][]string{
			"uid": {"svc"},
		}),
		ldap.NewEntry("cn=nouid,dc=example,dc=com", map[string][]string{
			"mail": {"x@example.com"},
		}),
	}}}
	closed := false
	dir, err := NewLDAPDirectory(LDAPConfig{
		URL:            "ldap://localhost",
		BaseDN:         "dc=example,dc=com",
		BindDN:         "cn=reader,dc=example,dc=com",
		MailAttributes: []string{"mail", "mailAlternateAddress"},
	})
	require.NoError(t, err)
	dir.dial = func(LDAPConfig) (ldapSearcher, func(), error) {
		return fake, func() { closed = true }, nil
	}

	accounts, err := dir.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, Account{ID: "alice", Name: "Alice Smith", FromAddresses: []string{"alice@example.com", "a.smith@example.org"}}, accounts[0])
	assert.Equal(t, []string{"cn=reader,dc=example,dc=com"}, fake.bound)
	assert.Equal(t, "(mail=*)", fake.request.Filter)
	assert.Equal(t, "dc=example,dc=com", fake.request.BaseDN)
	assert.True(t, closed)
}

func TestLDAPDirectoryRequiresURLAndBase(t *testing.T) {
	_, err := NewLDAPDirectory(LDAPConfig{BaseDN: "dc=x"})
	assert.Error(t, err)
	_, err = NewLDAPDirectory(LDAPConfig{URL: "ldap://x"})
	assert.Error(t, err)
}

func TestLDAPDirectorySearchError(t *testing.T) {
	dir, err := NewLDAPDirectory(LDAPConfig{URL: "ldap://localhost", BaseDN: "dc=x"})
	require.NoError(t, err)
	dir.dial = func(LDAPConfig) (ldapSearcher, func(), error) {
		return &fakeLDAP{err: errors.New("size limit")}, func() {}, nil
	}
	_, err = dir.Accounts(context.Background())
	assert.ErrorContains(t, err, "size limit")
}

type fakeRedis struct {
	values map[string]string
	getErr error
	setErr error
	ttl    time.Duration
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttl = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestCachedDirectoryMissThenHit(t *testing.T) {
	ctx := context.Background()
	next := &staticDirectory{accounts: sample}
	client := &fakeRedis{values: map[string]string{}}
	cached := NewCachedDirectory(next, client, time.Minute)
	cached.logger = zerolog.Nop()

	first, err := cached.Accounts(ctx)
	require.NoError(t, err)
	second, err := cached.Accounts(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, next.calls)
	assert.Equal(t, first, second)
	assert.Equal(t, time.Minute, client.ttl)
	assert.Contains(t, client.values[DefaultCacheKey], "alice@example.com")

	require.NoError(t, cached.Invalidate(ctx))
	_, err = cached.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCachedDirectoryFallsBackWhenRedisFails(t *testing.T) {
	next := &staticDirectory{accounts: sample}
	client := &fakeRedis{values: map[string]string{}, getErr: errors.New("connection refused"), setErr: errors.New("connection refused")}
	cached := NewCachedDirectory(next, client, 0)
	cached.logger = zerolog.Nop()

	accounts, err := cached.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sample, accounts)
	assert.Equal(t, 1, next.calls)
}

func TestCachedDirectoryDiscardsCorruptEntries(t *testing.T) {
	next := &staticDirectory{accounts: sample}
	client := &fakeRedis{values: map[string]string{DefaultCacheKey: "{not json"}}
	cached := NewCachedDirectory(next, client, time.Minute)
	cached.logger = zerolog.Nop()

	accounts, err := cached.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sample, accounts)
	assert.Equal(t, 1, next.calls)
}

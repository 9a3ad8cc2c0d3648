package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig describes where accounts live in the directory tree.
type LDAPConfig struct {
	URL                string        `mapstructure:"url"`
	BindDN             string        `mapstructure:"bind_dn"`
	BindPassword       string        `mapstructure:"bind_password"`
	BaseDN             string        `mapstructure:"base_dn"`
	Filter             string        `mapstructure:"filter"`
	IDAttribute        string        `mapstructure:"id_attribute"`
	NameAttribute      string        `mapstructure:"name_attribute"`
	MailAttributes     []string      `mapstructure:"mail_attributes"`
	StartTLS           bool          `mapstructure:"start_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PageSize           uint32        `mapstructure:"page_size"`
}

func (c *LDAPConfig) applyDefaults() {
	if c.Filter == "" {
		c.Filter = "(mail=*)"
	}
	if c.IDAttribute == "" {
		c.IDAttribute = "uid"
	}
	if c.NameAttribute == "" {
		c.NameAttribute = "cn"
	}
	if len(c.MailAttributes) == 0 {
		c.MailAttributes = []string{"mail"}
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = 500
	}
}

type ldapSearcher interface {
	Bind(username, password string) error
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
}

type ldapDialFunc func(cfg LDAPConfig) (ldapSearcher, func(), error)

// LDAPDirectory lists accounts from an LDAP server, one connection per call.
type LDAPDirectory struct {
	cfg  LDAPConfig
	dial ldapDialFunc
}

// NewLDAPDirectory returns a directory for cfg.
func NewLDAPDirectory(cfg LDAPConfig) (*LDAPDirectory, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ldap url is empty")
	}
	if cfg.BaseDN == "" {
		return nil, fmt.Errorf("ldap base dn is empty")
	}
	cfg.applyDefaults()
	return &LDAPDirectory{cfg: cfg, dial: dialLDAP}, nil
}

func dialLDAP(cfg LDAPConfig) (ldapSearcher, func(), error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec
	conn, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(cfg.Timeout)
	closeConn := func() { conn.Close() }
	if cfg.StartTLS && !strings.HasPrefix(strings.ToLower(cfg.URL), "ldaps://") {
		if err := conn.StartTLS(tlsConfig); err != nil {
			closeConn()
			return nil, nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return conn, closeConn, nil
}

// Accounts searches for entries with a mail attribute.
func (d *LDAPDirectory) Accounts(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, closeConn, err := d.dial(d.cfg)
	if err != nil {
		return nil, err
	}
	defer closeConn()

	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("failed to bind with service account: %w", err)
		}
	}

	attrs := append([]string{d.cfg.IDAttribute, d.cfg.NameAttribute}, d.cfg.MailAttributes...)
	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(d.cfg.Timeout/time.Second),
		false,
		d.cfg.Filter,
		attrs,
		nil,
	)
	res, err := conn.SearchWithPaging(req, d.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Account, 0, len(res.Entries))
	for _, entry := range res.Entries {
		id := entry.GetAttributeValue(d.cfg.IDAttribute)
		if id == "" {
			continue
		}
		var addrs []string
		for _, attr := range d.cfg.MailAttributes {
			addrs = append(addrs, entry.GetAttributeValues(attr)...)
		}
		if len(addrs) == 0 {
			continue
		}
		out = append(out, Account{ID: id, Name: entry.GetAttributeValue(d.cfg.NameAttribute), FromAddresses: addrs})
	}
	return out, nil
}

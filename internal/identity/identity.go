// Package identity resolves sender addresses to tracker accounts. Directories
// are backed by SQL or LDAP and may be fronted by a Redis cache.
package identity

import (
	"context"
	"strings"
)

// Account is a tracker user together with the addresses they send mail from.
type Account struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	FromAddresses []string `json:"from_addresses"`
}

// Directory lists every account that has at least one from-address.
type Directory interface {
	Accounts(ctx context.Context) ([]Account, error)
}

// Match returns the id of the first account owning address, compared
// case-insensitively, or "" when none does.
func Match(accounts []Account, address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	for _, acc := range accounts {
		for _, from := range acc.FromAddresses {
			if strings.EqualFold(strings.TrimSpace(from), address) {
				return acc.ID
			}
		}
	}
	return ""
}

// Lookup lists the directory and matches address against it.
func Lookup(ctx context.Context, dir Directory, address string) (string, error) {
	if dir == nil {
		return "", nil
	}
	accounts, err := dir.Accounts(ctx)
	if err != nil {
		return "", err
	}
	return Match(accounts, address), nil
}

// Addresses returns the from-addresses of account id.
func Addresses(ctx context.Context, dir Directory, id string) ([]string, error) {
	if dir == nil || id == "" {
		return nil, nil
	}
	accounts, err := dir.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if acc.ID == id {
			return acc.FromAddresses, nil
		}
	}
	return nil, nil
}

package connector

import (
	"fmt"
	"strings"
	"sync"
)

// FactoryOption customizes a connector factory.
type FactoryOption func(*registry)

type registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewFactory builds a factory with the given registrations.
func NewFactory(opts ...FactoryOption) Factory {
	r := &registry{fetchers: make(map[string]Fetcher)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// DefaultFactory returns a factory with the POP3 and IMAP connectors.
func DefaultFactory(pop3Opts []POP3FetcherOption, imapOpts []IMAPFetcherOption) Factory {
	return NewFactory(
		WithFetcher(NewPOP3Fetcher(pop3Opts...), "pop3", "pop3s"),
		WithFetcher(NewIMAPFetcher(imapOpts...), "imap", "imaps"),
	)
}

// WithFetcher registers fetcher for the given mailbox types.
func WithFetcher(fetcher Fetcher, types ...string) FactoryOption {
	return func(r *registry) {
		if fetcher == nil {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, t := range types {
			if key := normalizeType(t); key != "" {
				r.fetchers[key] = fetcher
			}
		}
	}
}

func (r *registry) FetcherFor(mb Mailbox) (Fetcher, error) {
	r.mu.RLock()
	fetcher, ok := r.fetchers[normalizeType(mb.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for mailbox type %q", mb.Type)
	}
	return fetcher, nil
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

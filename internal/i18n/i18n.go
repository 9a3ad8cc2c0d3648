// Package i18n registers the gateway's user-visible strings with the
// golang.org/x/text message catalog and hands out printers per language.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys. The English text doubles as the key.
const (
	NoSubject        = "[No Subject]"
	ReceivedMessage  = "Received message:"
	UnrenderableBody = "[ Could not render body of message. ]"
	PartName         = "%s part"
	OriginalMessage  = "Original Message"
	TicketNotFound   = "Could not find ticket \"%s\"."

	WatchersTitle      = "Watchers for %s"
	AddWatcher         = "Add Watcher"
	RemoveWatcher      = "Remove Watcher"
	CurrentWatchers    = "Current Watchers"
	NoWatchers         = "No one is watching this ticket."
	EmailAddress       = "Email Address"
	WatcherAdded       = "%s will be notified when this ticket is updated."
	WatcherRemoved     = "%s will no longer receive updates for this ticket."
	InvalidEmail       = "A valid email address is required."
	WatcherAddedNotice = "You have been added as a watcher of ticket %s."
	TicketUpdated      = "Ticket %s has been updated."
	UnknownForm        = "Unknown form."
	FormExpired        = "This form has expired. Reload the page and try again."
)

//go:embed translations/*.json
var translationsFS embed.FS

var (
	loadOnce  sync.Once
	loadErr   error
	supported = []language.Tag{language.English}
	matcher   = language.NewMatcher(supported)
	mu        sync.RWMutex
)

// Load registers all embedded translations. It is safe to call repeatedly.
func Load() error {
	loadOnce.Do(func() {
		loadErr = fs.WalkDir(translationsFS, "translations", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".json") {
				return nil
			}
			lang := strings.TrimSuffix(path.Base(p), ".json")
			tag, err := language.Parse(lang)
			if err != nil {
				return fmt.Errorf("translation %s: %w", p, err)
			}
			data, err := translationsFS.ReadFile(p)
			if err != nil {
				return err
			}
			entries := map[string]string{}
			if err := json.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("translation %s: %w", p, err)
			}
			for key, text := range entries {
				if err := message.SetString(tag, key, text); err != nil {
					return fmt.Errorf("translation %s key %q: %w", p, key, err)
				}
			}
			register(tag)
			return nil
		})
	})
	return loadErr
}

func register(tag language.Tag) {
	mu.Lock()
	defer mu.Unlock()
	for _, t := range supported {
		if t == tag {
			return
		}
	}
	supported = append(supported, tag)
	matcher = language.NewMatcher(supported)
}

// Supported lists the languages with a registered catalog.
func Supported() []language.Tag {
	mu.RLock()
	defer mu.RUnlock()
	return append([]language.Tag(nil), supported...)
}

// Match returns the supported language that best matches the requested
// ones, which may be BCP 47 tags or an Accept-Language value. English is the
// fallback.
func Match(langs ...string) language.Tag {
	if err := Load(); err != nil {
		return language.English
	}
	mu.RLock()
	m := matcher
	mu.RUnlock()
	tag, _ := language.MatchStrings(m, langs...)
	base, conf := tag.Base()
	if conf == language.No {
		return language.English
	}
	tag, _ = language.Compose(base)
	return tag
}

// Printer returns a printer for Match(langs...).
func Printer(langs ...string) *message.Printer {
	return message.NewPrinter(Match(langs...))
}

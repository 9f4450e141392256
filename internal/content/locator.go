package content

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

const defaultLocatorCacheSize = 512

var errFound = errors.New("found")

// Locator finds rule directories by rule name inside the content roots.
// Results are kept in an LRU cache since sub-rule resolution asks for the
// same names repeatedly.
type Locator struct {
	roots  []string
	cache  *lru.Cache[string, string]
	logger zerolog.Logger

	mu     sync.Mutex
	lookup int
}

// NewLocator creates a locator over roots. A size <= 0 uses the default.
func NewLocator(roots []string, size int, logger zerolog.Logger) (*Locator, error) {
	if size <= 0 {
		size = defaultLocatorCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Locator{
		roots:  roots,
		cache:  cache,
		logger: logger.With().Str("component", "locator").Logger(),
	}, nil
}

// Find returns the directory of the rule called name.
func (l *Locator) Find(name string) (string, error) {
	if dir, ok := l.cache.Get(name); ok {
		return dir, nil
	}

	l.mu.Lock()
	l.lookup++
	l.mu.Unlock()

	for _, root := range l.roots {
		var found string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				return nil
			}
			if !d.IsDir() || d.Name() != name {
				return nil
			}
			if _, _, kerr := DetectKind(path); kerr == nil {
				found = path
				return errFound
			}
			return nil
		})
		if err != nil && !errors.Is(err, errFound) {
			l.logger.Warn().Err(err).Str("root", root).Msg("cannot scan content root")
			continue
		}
		if found != "" {
			l.cache.Add(name, found)
			return found, nil
		}
	}
	return "", kberrors.Newf(kberrors.ErrNotFound, "rule %q not found in content roots", name)
}

// Lookups returns how many searches missed the cache.
func (l *Locator) Lookups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookup
}

// Purge forgets every cached location.
func (l *Locator) Purge() {
	l.cache.Purge()
}

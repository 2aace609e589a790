package atomdump

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/twmb/murmur3"

	"github.com/blacktop/machobj/pkg/ld"
)

// Loader parses object files and keeps recent results keyed by path and content.
type Loader struct {
	opts  *ld.Options
	cache *lru.Cache[string, *ld.ObjectFile]
}

// NewLoader returns a loader remembering up to size parsed files.
func NewLoader(opts *ld.Options, size int) (*Loader, error) {
	cache, err := lru.New[string, *ld.ObjectFile](size)
	if err != nil {
		return nil, err
	}
	return &Loader{opts: opts, cache: cache}, nil
}

func cacheKey(path string, data []byte) string {
	return fmt.Sprintf("%s@%016x", path, murmur3.Sum64(data))
}

// Load returns the parsed file at path, reusing an earlier parse when the
// bytes on disk are unchanged.
func (l *Loader) Load(path string) (*ld.ObjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	key := cacheKey(path, data)
	if f, ok := l.cache.Get(key); ok {
		return f, nil
	}
	f, err := ld.Parse(path, data, l.opts)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, f)
	return f, nil
}

// Len is the number of cached files.
func (l *Loader) Len() int { return l.cache.Len() }

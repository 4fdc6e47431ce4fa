package avatars

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/reconcile"
)

// ErrTooLarge means the avatar cannot fit even in an empty cache. The caller
// keeps using the remote copy.
var ErrTooLarge = errors.New("avatar larger than cache capacity")

// DefaultCapacity is the byte budget of the cache
const DefaultCapacity = 4 << 20

// Fetcher downloads an avatar
type Fetcher interface {
	FetchAvatar(ctx context.Context, username string) ([]byte, error)
}

type entry struct {
	key  string
	data []byte
}

// Cache is a byte bounded avatar cache. When full, the oldest entries are
// evicted first.
type Cache struct {
	capacity int64

	mu      sync.Mutex
	size    int64
	order   *list.List
	entries map[string]*list.Element
}

func NewCache(capacity int64) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns a cached avatar
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).data, true
}

// Put stores an avatar, evicting the oldest entries until it fits
func (c *Cache) Put(key string, data []byte) error {
	n := int64(len(data))
	if n > c.capacity {
		return ErrTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.size -= int64(len(el.Value.(*entry).data))
		c.order.Remove(el)
		delete(c.entries, key)
	}
	for c.size+n > c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		e := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.entries, e.key)
		c.size -= int64(len(e.data))
		log.Debug().Str("key", e.key).Int("bytes", len(e.data)).Msg("evicted avatar")
	}

	c.entries[key] = c.order.PushBack(&entry{key: key, data: data})
	c.size += n
	return nil
}

// Len returns the number of cached avatars
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the cached bytes
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// PrefetchReport summarizes a prefetch
type PrefetchReport struct {
	Fetched    []string
	Failed     []string
	RemoteOnly []string
}

// Prefetch downloads the missing avatars in bounded batches. One failing
// download does not affect the others. If ctx is done before the prefetch
// completes, nothing is stored and ctx.Err() is returned.
func (c *Cache) Prefetch(ctx context.Context, usernames []string, fetcher Fetcher, opts reconcile.BatchOptions) (PrefetchReport, error) {
	var missing []string
	for _, u := range usernames {
		if _, ok := c.Get(u); !ok {
			missing = append(missing, u)
		}
	}

	if opts.Name == "" {
		opts.Name = "avatar_prefetch"
	}
	results, err := reconcile.RunBatches(ctx, missing, opts, fetcher.FetchAvatar)
	if err != nil {
		log.Debug().Err(err).Int("completed", len(results)).Msg("avatar prefetch abandoned")
		return PrefetchReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return PrefetchReport{}, err
	}

	var report PrefetchReport
	for _, r := range results {
		if !r.OK() {
			report.Failed = append(report.Failed, r.Item)
			continue
		}
		if err := c.Put(r.Item, r.Value); err != nil {
			report.RemoteOnly = append(report.RemoteOnly, r.Item)
			continue
		}
		report.Fetched = append(report.Fetched, r.Item)
	}

	log.Info().
		Int("fetched", len(report.Fetched)).
		Int("failed", len(report.Failed)).
		Int("remote_only", len(report.RemoteOnly)).
		Msg("avatar prefetch complete")
	return report, nil
}

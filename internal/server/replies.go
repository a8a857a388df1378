package server

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/syftmirror/internal/replication"
)

// replyCache remembers the response given to each delivery id. A source
// that retries a delivery gets the original answer and the target applies
// the request only once.
type replyCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *replication.Response]
}

func newReplyCache(size int) (*replyCache, error) {
	cache, err := lru.New[string, *replication.Response](size)
	if err != nil {
		return nil, err
	}
	return &replyCache{cache: cache}, nil
}

// do returns the cached response for id, or runs fn and caches its result.
// An empty id is never cached.
func (r *replyCache) do(id string, fn func() *replication.Response) (resp *replication.Response, replayed bool) {
	if id == "" {
		return fn(), false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if resp, ok := r.cache.Get(id); ok {
		return resp, true
	}
	resp = fn()
	r.cache.Add(id, resp)
	return resp, false
}

func (r *replyCache) len() int {
	return r.cache.Len()
}

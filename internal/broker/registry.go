package broker

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"humanbridge/internal/chat"
)

// ConversationRegistry lazily creates and caches one sub-conversation per
// parent channel. Creation is single-flight: when concurrent callers race
// before the cache is populated, only one platform call is issued and all
// callers observe the same conversation id. On failure nothing is cached,
// so a later call retries creation.
type ConversationRegistry struct {
	transport chat.Transport
	group     singleflight.Group

	mu    sync.RWMutex
	cache map[string]string // parent channel id -> conversation id
}

func NewConversationRegistry(transport chat.Transport) *ConversationRegistry {
	return &ConversationRegistry{
		transport: transport,
		cache:     make(map[string]string),
	}
}

// GetOrCreate returns the cached conversation for the parent channel,
// creating it on first use. title is only used when a new conversation is
// actually created.
func (r *ConversationRegistry) GetOrCreate(ctx context.Context, parentChannelID, title string) (string, error) {
	r.mu.RLock()
	id, ok := r.cache[parentChannelID]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(parentChannelID, func() (interface{}, error) {
		// A loser of an earlier flight may arrive here after the winner
		// has already populated the cache.
		r.mu.RLock()
		id, ok := r.cache[parentChannelID]
		r.mu.RUnlock()
		if ok {
			return id, nil
		}

		created, err := r.transport.CreateConversation(ctx, parentChannelID, title)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[parentChannelID] = created
		r.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

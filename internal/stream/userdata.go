package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ListenKeySource issues listen keys for the user data stream.
type ListenKeySource interface {
	StartUserStream(ctx context.Context) (string, error)
}

// ListenKeys resolves a fresh /ws/<listenKey> endpoint for every connection
// attempt and remembers the key in use so it can be kept alive.
type ListenKeys struct {
	base   string
	source ListenKeySource

	mu      sync.Mutex
	current string
}

// NewListenKeys builds a resolver against the stream base URL, for example
// wss://stream.binance.com:9443.
func NewListenKeys(base string, source ListenKeySource) *ListenKeys {
	return &ListenKeys{base: strings.TrimRight(base, "/"), source: source}
}

// URL implements URLFunc.
func (k *ListenKeys) URL(ctx context.Context) (string, error) {
	key, err := k.source.StartUserStream(ctx)
	if err != nil {
		return "", fmt.Errorf("start user data stream: %w", err)
	}
	k.mu.Lock()
	k.current = key
	k.mu.Unlock()
	return k.base + "/ws/" + key, nil
}

// Current is the listen key of the latest connection, or empty.
func (k *ListenKeys) Current() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// CombinedURL is the combined-stream endpoint under base.
func CombinedURL(base string) string {
	return strings.TrimRight(base, "/") + "/stream"
}

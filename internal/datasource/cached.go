package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gwi.com/report-studio/internal/cache"
	"gwi.com/report-studio/internal/report"
)

// CachedProvider memoizes query results by SQL text and bound values.
type CachedProvider struct {
	next  Provider
	store cache.Store
	ttl   time.Duration
}

func NewCachedProvider(next Provider, store cache.Store, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, store: store, ttl: ttl}
}

func cacheKey(q Query) (string, error) {
	raw, err := json.Marshal(struct {
		SQL    string         `json:"sql"`
		Params map[string]any `json:"params"`
	}{q.SQL, q.Params})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return "query:" + hex.EncodeToString(sum[:]), nil
}

func (c *CachedProvider) Execute(ctx context.Context, q Query) ([]report.Record, error) {
	key, err := cacheKey(q)
	if err != nil {
		return nil, fmt.Errorf("failed to build cache key: %w", err)
	}

	if raw, ok, err := c.store.Get(ctx, key); err != nil {
		log.Printf("Warning: cache lookup for %s failed: %v", q.Name, err)
	} else if ok {
		var rows []report.Record
		if err := json.Unmarshal(raw, &rows); err == nil {
			return rows, nil
		}
	}

	rows, err := c.next.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(rows); err == nil {
		if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
			log.Printf("Warning: failed to cache result of %s: %v", q.Name, err)
		}
	}
	return rows, nil
}

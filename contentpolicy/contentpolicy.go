// Package contentpolicy answers "how much of this trace's input/output
// may be persisted" for a project, backed by a Redis TTL cache in front
// of the row store's llm_project_settings table. Cache shape is
// namespace-keyed, TTL'd, and fills from the row store on miss,
// reduced from a semantic embedding cache to a flat per-project
// settings lookup.
package contentpolicy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bloopsh/bloop/redisclient"
)

// Storage enumerates how much of a trace's content bloop retains.
type Storage string

const (
	StorageNone         Storage = "none"
	StorageMetadataOnly Storage = "metadata_only"
	StorageFull         Storage = "full"
)

// ParseStorage validates a raw string against the three known values,
// falling back to def when s is empty or not one of them.
func ParseStorage(s string, def Storage) Storage {
	switch Storage(s) {
	case StorageNone, StorageMetadataOnly, StorageFull:
		return Storage(s)
	default:
		return def
	}
}

// Cache resolves a project's content policy, consulting Redis first and
// falling back to the row store on miss.
type Cache struct {
	redis   *redisclient.Client
	db      *sql.DB
	ttl     time.Duration
	defPolicy Storage
}

// New builds a Cache. defPolicy is the configured default applied when
// a project has no settings row.
func New(redis *redisclient.Client, db *sql.DB, ttl time.Duration, defPolicy Storage) *Cache {
	return &Cache{redis: redis, db: db, ttl: ttl, defPolicy: defPolicy}
}

func cacheKey(projectID string) string {
	return "bloop:contentpolicy:" + projectID
}

// Get resolves projectID's content storage policy. On a cache miss it
// reads llm_project_settings, treats an absent row as the configured
// default, and repopulates the cache.
func (c *Cache) Get(ctx context.Context, projectID string) (Storage, error) {
	if v, hit, err := c.redis.Get(ctx, cacheKey(projectID)); err == nil && hit {
		return Storage(v), nil
	}

	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT content_storage FROM llm_project_settings WHERE project_id = ?`, projectID).Scan(&raw)
	policy := c.defPolicy
	switch {
	case errors.Is(err, sql.ErrNoRows):
		policy = c.defPolicy
	case err != nil:
		return "", fmt.Errorf("query llm_project_settings: %w", err)
	default:
		policy = ParseStorage(raw, c.defPolicy)
	}

	if err := c.redis.Set(ctx, cacheKey(projectID), string(policy), c.ttl); err != nil {
		return policy, fmt.Errorf("cache content policy: %w", err)
	}
	return policy, nil
}

// Set upserts projectID's policy row (PUT /v1/llm/settings) and
// refreshes the cache entry.
func (c *Cache) Set(ctx context.Context, projectID string, policy Storage, nowMs int64) error {
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO llm_project_settings (project_id, content_storage, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET content_storage = excluded.content_storage, updated_at = excluded.updated_at`,
		projectID, string(policy), nowMs,
	); err != nil {
		return fmt.Errorf("upsert llm_project_settings: %w", err)
	}
	return c.redis.Set(ctx, cacheKey(projectID), string(policy), c.ttl)
}

// Strip applies policy to a trace/span's input, output, and metadata
// JSON strings, blanking fields as follows:
//   - metadata_only: blank input/output, keep metadata
//   - none: blank all three
//   - full: leave everything untouched
func Strip(policy Storage, inputJSON, outputJSON, metadataJSON string) (strippedInput, strippedOutput, strippedMetadata string) {
	switch policy {
	case StorageNone:
		return "", "", ""
	case StorageMetadataOnly:
		return "", "", metadataJSON
	default:
		return inputJSON, outputJSON, metadataJSON
	}
}

package email

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// UnsubscribeRegistry stores opt-outs keyed by (email, category) and
// answers membership queries. Postgres is the source of truth; a Redis
// set per category serves the hot pre-send checks. The registry is
// read-mostly and append-only: records are never mutated.
type UnsubscribeRegistry struct {
	db  *sql.DB
	rdb *redis.Client
	log *logger.Logger
}

// NewUnsubscribeRegistry creates a registry. rdb may be nil; membership
// checks then go straight to Postgres.
func NewUnsubscribeRegistry(db *sql.DB, rdb *redis.Client) *UnsubscribeRegistry {
	return &UnsubscribeRegistry{db: db, rdb: rdb, log: logger.With("unsubscribe")}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func unsubCacheKey(category string) string {
	if category == "" {
		return "unsub:global"
	}
	return "unsub:cat:" + category
}

// Unsubscribe records an opt-out. An empty category is a global opt-out.
// Returns true when a new record was created, false when the pair was
// already opted out.
func (r *UnsubscribeRegistry) Unsubscribe(ctx context.Context, email, category string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return false, &ValidationError{Field: "email", Reason: "must not be empty"}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_unsubscribes (id, email, category, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email, category) DO NOTHING
	`, uuid.New(), email, category)
	if err != nil {
		return false, fmt.Errorf("insert unsubscribe: %w", err)
	}

	if r.rdb != nil {
		if err := r.rdb.SAdd(ctx, unsubCacheKey(category), email).Err(); err != nil {
			// Cache is advisory; Postgres remains authoritative.
			r.log.Warn("unsubscribe cache add failed", "error", err)
		}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	created := n == 1
	if created {
		r.log.Info("recorded opt-out", "email", email, "category", category)
	}
	return created, nil
}

// IsUnsubscribed reports whether the address opted out of the category.
// A global opt-out blocks every category; querying with an empty category
// checks only the global list.
func (r *UnsubscribeRegistry) IsUnsubscribed(ctx context.Context, email, category string) (bool, error) {
	email = normalizeEmail(email)

	if r.rdb != nil {
		if hit, ok := r.cachedMembership(ctx, email, category); ok {
			return hit, nil
		}
	}

	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_unsubscribes
			WHERE email = $1 AND (category = '' OR category = $2)
		)
	`, email, category).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unsubscribe: %w", err)
	}
	return exists, nil
}

// cachedMembership consults the Redis sets. The second return is false
// when the cache could not answer and Postgres must be consulted.
func (r *UnsubscribeRegistry) cachedMembership(ctx context.Context, email, category string) (bool, bool) {
	pipe := r.rdb.Pipeline()
	globalCmd := pipe.SIsMember(ctx, unsubCacheKey(""), email)
	var catCmd *redis.BoolCmd
	if category != "" {
		catCmd = pipe.SIsMember(ctx, unsubCacheKey(category), email)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, false
	}

	if globalCmd.Val() {
		return true, true
	}
	if catCmd != nil && catCmd.Val() {
		return true, true
	}
	// A cache miss is only authoritative if the cache has been warmed;
	// positive membership is trusted, absence falls through to Postgres.
	return false, false
}

// WarmCache loads all opt-outs into Redis. Called at worker startup so
// the bulk path's pre-send checks stay off the database.
func (r *UnsubscribeRegistry) WarmCache(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT email, category FROM email_unsubscribes`)
	if err != nil {
		return fmt.Errorf("load unsubscribes: %w", err)
	}
	defer rows.Close()

	count := 0
	pipe := r.rdb.Pipeline()
	for rows.Next() {
		var email, category string
		if err := rows.Scan(&email, &category); err != nil {
			return fmt.Errorf("scan unsubscribe: %w", err)
		}
		pipe.SAdd(ctx, unsubCacheKey(category), email)
		count++
		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("warm unsubscribe cache: %w", err)
			}
			pipe = r.rdb.Pipeline()
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("warm unsubscribe cache: %w", err)
	}

	r.log.Info("unsubscribe cache warmed", "records", count)
	return nil
}

// List returns opt-outs for an address, newest first.
func (r *UnsubscribeRegistry) List(ctx context.Context, email string) ([]UnsubscribeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, category, created_at
		FROM email_unsubscribes
		WHERE email = $1
		ORDER BY created_at DESC
	`, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("list unsubscribes: %w", err)
	}
	defer rows.Close()

	var records []UnsubscribeRecord
	for rows.Next() {
		var rec UnsubscribeRecord
		var createdAt time.Time
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Category, &createdAt); err != nil {
			return nil, fmt.Errorf("scan unsubscribe: %w", err)
		}
		rec.CreatedAt = createdAt
		records = append(records, rec)
	}
	return records, rows.Err()
}

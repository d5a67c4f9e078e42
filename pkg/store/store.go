// Package store defines the capability interface the D4 core issues
// single-key operations against (spec.md §9), and provides concrete
// backends: an in-memory one for tests and standalone runs, and a
// SQLite-backed one for durable deployments.
package store

import "context"

// Capability is the minimal primitive set the Session Controller, the
// Identity & Policy Store client, and the Stream Store client need.
// Concrete backends implement it; the core never issues multi-key
// transactions against it.
type Capability interface {
	// Sets.
	Add(ctx context.Context, key, member string) error
	Remove(ctx context.Context, key, member string) error
	IsMember(ctx context.Context, key, member string) (bool, error)

	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error
	HExists(ctx context.Context, key, field string) (bool, error)

	// Streams (append-only, per spec.md "stream:{type}:{session_uuid}").
	XAdd(ctx context.Context, key string, fields map[string]string) error
	XLen(ctx context.Context, key string) (int64, error)

	// Sorted counters (spec.md's daily/per-sensor/per-ip stat keys).
	ZIncrBy(ctx context.Context, key, member string, delta int64) error

	// Capped ordered lists (spec.md's list_uuid_ip:{sensor_id}).
	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, maxLen int) error
	LRange(ctx context.Context, key string) ([]string, error)

	// Scalars.
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)

	// SetNX sets key to value only if it is currently absent, and
	// reports whether the set happened. This is the conditional
	// set-if-absent primitive spec.md §5 requires for "first_seen if
	// absent" so concurrent sensors sharing a sensor-id stay idempotent.
	SetNX(ctx context.Context, key, value string) (bool, error)

	// Delete removes a key outright (used to discard a partial stream on
	// a worker-signalled IncorrectType rejection).
	Delete(ctx context.Context, key string) error

	// Close releases any resources the backend holds open.
	Close() error
}

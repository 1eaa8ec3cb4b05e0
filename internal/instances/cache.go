package instances

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/waconsole/internal/domain"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CacheSchemaVersion is bumped on any forward-incompatible change to the
// cache blob. Entries with a mismatched version are discarded wholesale so a
// format change never half-applies.
const CacheSchemaVersion = 2

var (
	cacheBucket = []byte("instances_cache")
	cacheKey    = []byte("blob")
)

// CacheBlob is the persisted reconciliation snapshot.
type CacheBlob struct {
	SchemaVersion int               `json:"schema_version"`
	List          []domain.Instance `json:"list"`
	CurrentID     string            `json:"current_id"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SessionCache stores the last reconciled instance list in bbolt, scoped by
// tenant so independent consoles sharing one cache file do not collide.
// All operations are best-effort: read-after-write is not guaranteed and
// failures degrade to "cache absent" rather than errors.
type SessionCache struct {
	db    *bbolt.DB
	scope string
}

// NewSessionCache returns nil when db is nil, which every caller treats as
// a cache-less run.
func NewSessionCache(db *bbolt.DB, scope string) *SessionCache {
	if db == nil {
		return nil
	}
	if scope == "" {
		scope = "default"
	}
	return &SessionCache{db: db, scope: scope}
}

func (c *SessionCache) key() []byte {
	return append(append([]byte{}, cacheKey...), []byte(":"+c.scope)...)
}

// Read returns the cached blob, or nil when absent, unparsable, or written
// by an incompatible schema version.
func (c *SessionCache) Read() *CacheBlob {
	if c == nil {
		return nil
	}
	var raw []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(c.key()); v != nil {
			raw = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil || len(raw) == 0 {
		return nil
	}
	var blob CacheBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		zap.L().Debug("session cache blob unparsable, treating as absent", zap.Error(err))
		return nil
	}
	if blob.SchemaVersion != CacheSchemaVersion {
		zap.L().Debug("session cache schema mismatch, discarding",
			zap.Int("found", blob.SchemaVersion), zap.Int("want", CacheSchemaVersion))
		return nil
	}
	return &blob
}

// Persist writes the list and selection. Errors are logged, never returned.
func (c *SessionCache) Persist(list []domain.Instance, currentID string) {
	if c == nil {
		return
	}
	blob := CacheBlob{
		SchemaVersion: CacheSchemaVersion,
		List:          list,
		CurrentID:     currentID,
		UpdatedAt:     time.Now(),
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		zap.L().Warn("session cache marshal failed", zap.Error(err))
		return
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(cacheBucket)
		if err != nil {
			return err
		}
		return b.Put(c.key(), raw)
	})
	if err != nil {
		zap.L().Warn("session cache persist failed", zap.Error(err))
	}
}

// Clear removes the cached blob.
func (c *SessionCache) Clear() {
	if c == nil {
		return
	}
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		if b == nil {
			return nil
		}
		return b.Delete(c.key())
	})
	if err != nil {
		zap.L().Warn("session cache clear failed", zap.Error(err))
	}
}

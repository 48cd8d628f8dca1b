package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/gpuerr"
)

// manifestSchemaVersion is the first field of the manifest; readers refuse
// unknown versions without crashing.
const manifestSchemaVersion = 1

const blobDirName = "blobs"

type manifestEntry struct {
	KeyHash     string        `json:"keyHash"`
	Key         uint64        `json:"key"`
	Version     string        `json:"version"`
	Entry       string        `json:"entry"`
	Size        int64         `json:"size"`
	CreatedAt   time.Time     `json:"createdAt"`
	TTL         time.Duration `json:"ttl"`
	ParamLayout []Param       `json:"paramLayout"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type manifest struct {
	SchemaVersion int             `json:"schemaVersion"`
	Entries       []manifestEntry `json:"entries"`
}

// Store persists cache entries under a directory: manifest.json plus one
// raw payload blob per entry keyed by sha256(key ∥ version). Preload and
// Persist are idempotent; any unreadable file is ignored and the entry is
// rebuilt on demand.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore builds a store rooted at dir, creating it if needed.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir == "" {
		return nil, gpuerr.New(gpuerr.KindUnsupported, "persistent cache requires a directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, blobDirName), 0o755); err != nil {
		return nil, gpuerr.Wrap(gpuerr.KindUnsupported, "cache directory not writable", err)
	}
	return &Store{dir: dir, log: log.Named("kstore")}, nil
}

// blobName derives the payload file name from sha256(key ∥ version).
func blobName(key Fingerprint, version string) string {
	h := sha256.New()
	var kb [8]byte
	binary.LittleEndian.PutUint64(kb[:], uint64(key))
	h.Write(kb[:])
	h.Write([]byte(version))
	return hex.EncodeToString(h.Sum(nil))
}

// Persist writes a consistent point-in-time snapshot of the cache. The
// snapshot is taken under a brief read lock; writes racing the persist
// land in the next one.
func (s *Store) Persist(c *Cache) error {
	snap := c.snapshot()

	m := manifest{SchemaVersion: manifestSchemaVersion}
	for key, e := range snap {
		name := blobName(key, e.Version)
		if err := os.WriteFile(filepath.Join(s.dir, blobDirName, name), e.Artifact.Payload, 0o644); err != nil {
			return gpuerr.Wrap(gpuerr.KindDriverError, "cache blob write failed", err)
		}
		m.Entries = append(m.Entries, manifestEntry{
			KeyHash:     name,
			Key:         uint64(key),
			Version:     e.Version,
			Entry:       e.Artifact.Entry,
			Size:        int64(len(e.Artifact.Payload)),
			CreatedAt:   e.CreatedAt,
			TTL:         e.TTL,
			ParamLayout: e.Artifact.Params,
			Metadata:    e.Metadata,
		})
	}

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return gpuerr.Wrap(gpuerr.KindInternalInvariantViolated, "manifest marshal failed", err)
	}
	tmp := filepath.Join(s.dir, "manifest.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gpuerr.Wrap(gpuerr.KindDriverError, "manifest write failed", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, "manifest.json"))
}

// Preload loads persisted entries into the cache. Missing or malformed
// files are skipped: the cache rebuilds those entries on demand.
func (s *Store) Preload(c *Cache) error {
	data, err := os.ReadFile(filepath.Join(s.dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.log.Warn("cache manifest unreadable, rebuilding on demand", zap.Error(err))
		return nil
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn("cache manifest malformed, rebuilding on demand", zap.Error(err))
		return nil
	}
	if m.SchemaVersion != manifestSchemaVersion {
		s.log.Warn("cache manifest schema version unknown, refusing to load",
			zap.Int("found", m.SchemaVersion), zap.Int("supported", manifestSchemaVersion))
		return nil
	}

	loaded := make(map[Fingerprint]*Cached, len(m.Entries))
	for _, me := range m.Entries {
		payload, err := os.ReadFile(filepath.Join(s.dir, blobDirName, me.KeyHash))
		if err != nil {
			s.log.Debug("cache blob missing, skipping entry", zap.String("blob", me.KeyHash))
			continue
		}
		if int64(len(payload)) != me.Size {
			s.log.Debug("cache blob size mismatch, skipping entry", zap.String("blob", me.KeyHash))
			continue
		}
		loaded[Fingerprint(me.Key)] = &Cached{
			Artifact: &Artifact{
				Payload: payload,
				Entry:   me.Entry,
				Params:  me.ParamLayout,
			},
			Version:    me.Version,
			CreatedAt:  me.CreatedAt,
			LastAccess: me.CreatedAt,
			Metadata:   me.Metadata,
			TTL:        me.TTL,
		}
	}
	c.restore(loaded)
	return nil
}

// PersistAsync runs Persist unless ctx is already done.
func (s *Store) PersistAsync(ctx context.Context, c *Cache) error {
	select {
	case <-ctx.Done():
		return gpuerr.Wrap(gpuerr.KindCancelled, "persist", ctx.Err())
	default:
	}
	return s.Persist(c)
}

// PreloadAsync runs Preload unless ctx is already done.
func (s *Store) PreloadAsync(ctx context.Context, c *Cache) error {
	select {
	case <-ctx.Done():
		return gpuerr.Wrap(gpuerr.KindCancelled, "preload", ctx.Err())
	default:
	}
	return s.Preload(c)
}

package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

// Heartbeat statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Heartbeat is the active trading loop's liveness record.
type Heartbeat struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	LoopCount     int64     `json:"loop_count"`
	PID           int       `json:"pid"`
	Host          string    `json:"host"`
}

// Lock records which process acquired the right to trade live.
type Lock struct {
	LockedAt       time.Time `json:"locked_at"`
	OwnerHost      string    `json:"owner_host"`
	OwnerMachineID string    `json:"owner_machine_id,omitempty"`
	OwnerPID       int       `json:"owner_pid"`
	Mode           string    `json:"mode"`
}

func (l Lock) same(o Lock) bool {
	return l.LockedAt.Equal(o.LockedAt) && l.OwnerHost == o.OwnerHost &&
		l.OwnerMachineID == o.OwnerMachineID && l.OwnerPID == o.OwnerPID && l.Mode == o.Mode
}

// lockMatches treats nil as an absent record.
func lockMatches(cur, expected *Lock) bool {
	if cur == nil || expected == nil {
		return cur == nil && expected == nil
	}
	return cur.same(*expected)
}

// Store persists the heartbeat and lock records. Reads return nil, nil when
// the record does not exist.
//
// ClaimLock writes l only if the stored lock still equals expected (nil for
// absent or unreadable) and reports whether it did. WriteLock overwrites
// unconditionally.
type Store interface {
	ReadHeartbeat(ctx context.Context) (*Heartbeat, error)
	WriteHeartbeat(ctx context.Context, hb Heartbeat) error
	ReadLock(ctx context.Context) (*Lock, error)
	WriteLock(ctx context.Context, l Lock) error
	ClaimLock(ctx context.Context, l Lock, expected *Lock) (bool, error)
	RemoveLock(ctx context.Context) error
}

// FileStore keeps both records as JSON files. Writes go through a temp file
// and rename so readers never observe a partial record.
type FileStore struct {
	HeartbeatPath string
	LockPath      string
}

// NewFileStore creates a file-backed store.
func NewFileStore(heartbeatPath, lockPath string) *FileStore {
	return &FileStore{HeartbeatPath: heartbeatPath, LockPath: lockPath}
}

func (s *FileStore) ReadHeartbeat(ctx context.Context) (*Heartbeat, error) {
	var hb Heartbeat
	ok, err := readJSON(s.HeartbeatPath, &hb)
	if !ok || err != nil {
		return nil, err
	}
	return &hb, nil
}

func (s *FileStore) WriteHeartbeat(ctx context.Context, hb Heartbeat) error {
	return writeJSON(s.HeartbeatPath, hb)
}

func (s *FileStore) ReadLock(ctx context.Context) (*Lock, error) {
	var l Lock
	ok, err := readJSON(s.LockPath, &l)
	if !ok || err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *FileStore) WriteLock(ctx context.Context, l Lock) error {
	return writeJSON(s.LockPath, l)
}

// ClaimLock holds an flock on a sidecar file across the re-read and write, so
// processes on this host sharing the path serialize their claims.
func (s *FileStore) ClaimLock(ctx context.Context, l Lock, expected *Lock) (bool, error) {
	dir := filepath.Dir(s.LockPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.OpenFile(s.LockPath+".flock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock guard: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return false, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	cur, err := s.ReadLock(ctx)
	if err != nil {
		cur = nil
	}
	if !lockMatches(cur, expected) {
		return false, nil
	}
	if err := writeJSON(s.LockPath, l); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) RemoveLock(ctx context.Context) error {
	if err := os.Remove(s.LockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// RedisStore shares both records across hosts. Keys expire after their
// staleness threshold so an abandoned record disappears on its own.
type RedisStore struct {
	client       *redis.Client
	heartbeatKey string
	lockKey      string
	heartbeatTTL time.Duration
	lockTTL      time.Duration
}

// NewRedisStore creates a Redis-backed store under prefix.
func NewRedisStore(client *redis.Client, prefix string, heartbeatTTL, lockTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "execution-core:guard"
	}
	return &RedisStore{
		client:       client,
		heartbeatKey: prefix + ":heartbeat",
		lockKey:      prefix + ":lock",
		heartbeatTTL: heartbeatTTL,
		lockTTL:      lockTTL,
	}
}

func (s *RedisStore) get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ReadHeartbeat(ctx context.Context) (*Heartbeat, error) {
	var hb Heartbeat
	ok, err := s.get(ctx, s.heartbeatKey, &hb)
	if !ok || err != nil {
		return nil, err
	}
	return &hb, nil
}

func (s *RedisStore) WriteHeartbeat(ctx context.Context, hb Heartbeat) error {
	return s.set(ctx, s.heartbeatKey, hb, s.heartbeatTTL)
}

func (s *RedisStore) ReadLock(ctx context.Context) (*Lock, error) {
	var l Lock
	ok, err := s.get(ctx, s.lockKey, &l)
	if !ok || err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *RedisStore) WriteLock(ctx context.Context, l Lock) error {
	return s.set(ctx, s.lockKey, l, s.lockTTL)
}

// ClaimLock uses SETNX when no lock was seen, otherwise a WATCH transaction
// that fails if another host changed the key since it was read.
func (s *RedisStore) ClaimLock(ctx context.Context, l Lock, expected *Lock) (bool, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return false, err
	}
	if expected == nil {
		ok, err := s.client.SetNX(ctx, s.lockKey, raw, s.lockTTL).Result()
		if err != nil {
			return false, fmt.Errorf("redis setnx %s: %w", s.lockKey, err)
		}
		if ok {
			return true, nil
		}
		// The key exists; it may still be unreadable, which counts as absent.
	}

	claimed := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var cur *Lock
		b, err := tx.Get(ctx, s.lockKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var parsed Lock
			if json.Unmarshal(b, &parsed) == nil {
				cur = &parsed
			}
		}
		if !lockMatches(cur, expected) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.lockKey, raw, s.lockTTL)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, s.lockKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", s.lockKey, err)
	}
	return claimed, nil
}

func (s *RedisStore) RemoveLock(ctx context.Context) error {
	if err := s.client.Del(ctx, s.lockKey).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.lockKey, err)
	}
	return nil
}

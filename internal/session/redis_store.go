// Package session provides the Redis-backed session store: leases and live
// content keyed by (file, branch), with a pub/sub change feed per branch.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"docdraft/internal/store"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "docdraft:"

// Lease scripts. Rows are hashes at <prefix>row:<branch>:<path>; the branch
// index is a set of paths, the holder index a set of "<branch>:<path>" members.
var (
	acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'locked_by')
if owner and owner ~= '' and owner ~= ARGV[1] then
	local at = tonumber(redis.call('HGET', KEYS[1], 'locked_at') or '0')
	if tonumber(ARGV[2]) - at <= tonumber(ARGV[3]) then
		return 0
	end
	redis.call('SREM', ARGV[6] .. owner, ARGV[4])
end
local created = redis.call('EXISTS', KEYS[1]) == 0
redis.call('HSET', KEYS[1], 'locked_by', ARGV[1], 'locked_at', ARGV[2], 'file_path', ARGV[5], 'branch_name', ARGV[7])
if created then
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2], 'user_id', ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[4])
if created then
	return 2
end
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'locked_by') == ARGV[1] then
	redis.call('HDEL', KEYS[1], 'locked_by', 'locked_at')
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

	releaseAllScript = redis.NewScript(`
local released = {}
for _, member in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	if member ~= ARGV[3] then
		local row = ARGV[2] .. member
		if redis.call('HGET', row, 'locked_by') == ARGV[1] then
			redis.call('HDEL', row, 'locked_by', 'locked_at')
			table.insert(released, member)
		end
		redis.call('SREM', KEYS[1], member)
	end
end
return released
`)

	transferScript = redis.NewScript(`
local released = {}
for _, member in ipairs(redis.call('SMEMBERS', KEYS[3])) do
	if member ~= ARGV[4] then
		local row = ARGV[8] .. member
		if redis.call('HGET', row, 'locked_by') == ARGV[1] then
			redis.call('HDEL', row, 'locked_by', 'locked_at')
			table.insert(released, member)
		end
		redis.call('SREM', KEYS[3], member)
	end
end
local owner = redis.call('HGET', KEYS[1], 'locked_by')
if owner and owner ~= '' and owner ~= ARGV[1] then
	local at = tonumber(redis.call('HGET', KEYS[1], 'locked_at') or '0')
	if tonumber(ARGV[2]) - at <= tonumber(ARGV[3]) then
		table.insert(released, 1, 0)
		return released
	end
	redis.call('SREM', ARGV[6] .. owner, ARGV[4])
end
local created = redis.call('EXISTS', KEYS[1]) == 0
redis.call('HSET', KEYS[1], 'locked_by', ARGV[1], 'locked_at', ARGV[2], 'file_path', ARGV[5], 'branch_name', ARGV[7])
if created then
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2], 'user_id', ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[4])
if created then
	table.insert(released, 1, 2)
else
	table.insert(released, 1, 1)
end
return released
`)

	heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'locked_by') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'locked_at', ARGV[2])
	return 1
end
return 0
`)

	upsertScript = redis.NewScript(`
local created = redis.call('EXISTS', KEYS[1]) == 0
redis.call('HSET', KEYS[1], 'content', ARGV[1], 'updated_at', ARGV[2], 'user_id', ARGV[3], 'file_path', ARGV[4], 'branch_name', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[4])
if created then
	return 2
end
return 1
`)
)

// RedisStore implements the session store on Redis. All lease mutations run
// as Lua scripts, so each one is a single atomic compare-and-set.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the clock used to stamp and expire leases.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) rowPrefix() string { return s.prefix + "row:" }

func (s *RedisStore) holderPrefix() string { return s.prefix + "holder:" }

func (s *RedisStore) rowKey(key store.Key) string { return s.rowPrefix() + member(key) }

func (s *RedisStore) branchKey(branch string) string { return s.prefix + "branch:" + branch }

func (s *RedisStore) holderKey(holder string) string { return s.holderPrefix() + holder }

func (s *RedisStore) eventsChannel(branch string) string { return s.prefix + "events:" + branch }

// member encodes a key for the holder index. Branch names never contain ':'.
func member(key store.Key) string {
	return key.Branch + ":" + key.FilePath
}

func parseMember(value string) (store.Key, bool) {
	branch, path, ok := strings.Cut(value, ":")
	if !ok {
		return store.Key{}, false
	}
	return store.Key{FilePath: path, Branch: branch}, true
}

func (s *RedisStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *RedisStore) leaseArgs(key store.Key, holder string) []any {
	return []any{holder, s.nowMillis(), s.ttl.Milliseconds(), member(key), key.FilePath, s.holderPrefix(), key.Branch, s.rowPrefix()}
}

func (s *RedisStore) Acquire(ctx context.Context, key store.Key, holder string) (bool, error) {
	keys := []string{s.rowKey(key), s.branchKey(key.Branch), s.holderKey(holder)}
	result, err := acquireScript.Run(ctx, s.client, keys, s.leaseArgs(key, holder)...).Int()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if result == 0 {
		return false, nil
	}
	s.publish(ctx, kindFor(result), key)
	return true, nil
}

func (s *RedisStore) Release(ctx context.Context, key store.Key, holder string) (bool, error) {
	keys := []string{s.rowKey(key), s.holderKey(holder)}
	result, err := releaseScript.Run(ctx, s.client, keys, holder, member(key)).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	if result == 0 {
		return false, nil
	}
	s.publish(ctx, store.EventUpdate, key)
	return true, nil
}

func (s *RedisStore) ReleaseAll(ctx context.Context, holder string) ([]store.Key, error) {
	members, err := releaseAllScript.Run(ctx, s.client, []string{s.holderKey(holder)}, holder, s.rowPrefix(), "").StringSlice()
	if err != nil {
		return nil, fmt.Errorf("release all for %s: %w", holder, err)
	}
	keys := s.releasedKeys(ctx, members)
	return keys, nil
}

// Transfer drops every other lease of holder and acquires key in one script.
func (s *RedisStore) Transfer(ctx context.Context, key store.Key, holder string) (bool, []store.Key, error) {
	keys := []string{s.rowKey(key), s.branchKey(key.Branch), s.holderKey(holder)}
	values, err := transferScript.Run(ctx, s.client, keys, s.leaseArgs(key, holder)...).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("transfer %s: %w", key, err)
	}
	if len(values) == 0 {
		return false, nil, fmt.Errorf("transfer %s: empty script reply", key)
	}
	status, ok := values[0].(int64)
	if !ok {
		return false, nil, fmt.Errorf("transfer %s: unexpected status %T", key, values[0])
	}
	members := make([]string, 0, len(values)-1)
	for _, value := range values[1:] {
		if text, ok := value.(string); ok {
			members = append(members, text)
		}
	}
	released := s.releasedKeys(ctx, members)
	if status == 0 {
		return false, released, nil
	}
	s.publish(ctx, kindFor(int(status)), key)
	return true, released, nil
}

func (s *RedisStore) releasedKeys(ctx context.Context, members []string) []store.Key {
	keys := make([]store.Key, 0, len(members))
	for _, value := range members {
		key, ok := parseMember(value)
		if !ok {
			continue
		}
		keys = append(keys, key)
		s.publish(ctx, store.EventUpdate, key)
	}
	return keys
}

func (s *RedisStore) Heartbeat(ctx context.Context, key store.Key, holder string) (bool, error) {
	result, err := heartbeatScript.Run(ctx, s.client, []string{s.rowKey(key)}, holder, s.nowMillis()).Int()
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", key, err)
	}
	return result == 1, nil
}

// UpsertContent stores content for key. Lease ownership is checked by the
// caller, not here.
func (s *RedisStore) UpsertContent(ctx context.Context, key store.Key, content, userID string) (bool, error) {
	keys := []string{s.rowKey(key), s.branchKey(key.Branch)}
	result, err := upsertScript.Run(ctx, s.client, keys, content, s.nowMillis(), userID, key.FilePath, key.Branch).Int()
	if err != nil {
		return false, fmt.Errorf("upsert content %s: %w", key, err)
	}
	s.publish(ctx, kindFor(result), key)
	return true, nil
}

func (s *RedisStore) GetByKey(ctx context.Context, key store.Key) (store.Row, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.rowKey(key)).Result()
	if err != nil {
		return store.Row{}, false, fmt.Errorf("get session %s: %w", key, err)
	}
	if len(fields) == 0 {
		return store.Row{}, false, nil
	}
	return decodeRow(key, fields), true, nil
}

func (s *RedisStore) ListByBranch(ctx context.Context, branch string) ([]store.Row, error) {
	paths, err := s.client.SMembers(ctx, s.branchKey(branch)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions on %s: %w", branch, err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(paths))
	for i, path := range paths {
		cmds[i] = pipe.HGetAll(ctx, s.rowKey(store.Key{FilePath: path, Branch: branch}))
	}
	if len(paths) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load sessions on %s: %w", branch, err)
		}
	}

	rows := make([]store.Row, 0, len(paths))
	for i, path := range paths {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, decodeRow(store.Key{FilePath: path, Branch: branch}, fields))
	}
	sortRows(rows)
	return rows, nil
}

// Subscribe delivers every mutation on branch to fn until the returned
// function is called. The subscription is confirmed before Subscribe returns.
func (s *RedisStore) Subscribe(ctx context.Context, branch string, fn func(store.Event)) (func(), error) {
	sub := s.client.Subscribe(ctx, s.eventsChannel(branch))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", branch, err)
	}

	messages := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			event, err := store.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				log.Printf("session: drop event on %s: %v", branch, err)
				continue
			}
			fn(event)
		}
	}()

	return func() {
		_ = sub.Close()
		<-done
	}, nil
}

func (s *RedisStore) publish(ctx context.Context, kind store.EventKind, key store.Key) {
	row, found, err := s.GetByKey(ctx, key)
	if err != nil {
		log.Printf("session: load %s for event: %v", key, err)
		return
	}
	if !found {
		row = store.Row{FilePath: key.FilePath, BranchName: key.Branch, UpdatedAt: s.now()}
		kind = store.EventDelete
	}
	payload, err := store.EncodeEvent(store.Event{Kind: kind, Row: row})
	if err != nil {
		log.Printf("session: encode event %s: %v", key, err)
		return
	}
	if err := s.client.Publish(ctx, s.eventsChannel(key.Branch), payload).Err(); err != nil {
		log.Printf("session: publish event %s: %v", key, err)
	}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func kindFor(result int) store.EventKind {
	if result == 2 {
		return store.EventInsert
	}
	return store.EventUpdate
}

func decodeRow(key store.Key, fields map[string]string) store.Row {
	row := store.Row{
		FilePath:   key.FilePath,
		BranchName: key.Branch,
		LockedBy:   fields["locked_by"],
		UserID:     fields["user_id"],
	}
	if content, ok := fields["content"]; ok {
		row.Content = &content
	}
	if at, ok := parseMillis(fields["locked_at"]); ok && row.LockedBy != "" {
		row.LockedAt = &at
	}
	if at, ok := parseMillis(fields["updated_at"]); ok {
		row.UpdatedAt = at
	}
	return row
}

func parseMillis(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

func sortRows(rows []store.Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].FilePath < rows[j].FilePath })
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

// redisStore keeps one hash per task plus three sorted sets:
//   - <prefix>tasks:pending   scored by due time (ms), pending ids only
//   - <prefix>tasks:finished  scored by finish time (ms), completed/failed ids
//   - <prefix>tasks:all       scored by due time (ms), every id
//
// Status transitions run under WATCH on the task hash so concurrent
// completions are applied once.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
	now    func() time.Time
}

const maxTxRetries = 5

func openRedis(cfg RedisConfig, log logx.Logger) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return newRedisStore(client, cfg.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "ctrlbot:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log, now: time.Now}
}

func (s *redisStore) seqKey() string      { return s.prefix + "tasks:seq" }
func (s *redisStore) pendingKey() string  { return s.prefix + "tasks:pending" }
func (s *redisStore) finishedKey() string { return s.prefix + "tasks:finished" }
func (s *redisStore) allKey() string      { return s.prefix + "tasks:all" }

func (s *redisStore) taskKey(id task.ID) string {
	return s.prefix + "task:" + strconv.FormatInt(int64(id), 10)
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Schedule(ctx context.Context, kind task.Kind, dueAt time.Time, payload task.Payload) (task.ID, error) {
	raw, err := payload.Encode()
	if err != nil {
		return 0, err
	}
	n, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, err
	}
	id := task.ID(n)
	due := float64(dueAt.UnixMilli())
	member := strconv.FormatInt(n, 10)

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.taskKey(id), map[string]any{
			"kind":       string(kind),
			"due_at":     dueAt.UnixMilli(),
			"status":     string(task.Pending),
			"attempts":   0,
			"payload":    string(raw),
			"created_at": s.now().UnixMilli(),
		})
		p.ZAdd(ctx, s.pendingKey(), redis.Z{Score: due, Member: member})
		p.ZAdd(ctx, s.allKey(), redis.Z{Score: due, Member: member})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *redisStore) NextDueTime(ctx context.Context, after time.Time) (time.Time, bool, error) {
	lo := "-inf"
	if !after.IsZero() {
		lo = "(" + strconv.FormatInt(after.UnixMilli(), 10)
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: lo, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

func (s *redisStore) DueTasks(ctx context.Context, asOf time.Time) ([]task.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(asOf.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	ts, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(ts))
	out := ts[:0]
	for _, t := range ts {
		if t.Status == task.Pending {
			live[strconv.FormatInt(int64(t.ID), 10)] = struct{}{}
			out = append(out, t)
		}
	}
	s.dropStale(ctx, ids, live)
	sortByDue(out)
	return out, nil
}

// dropStale removes pending index entries without a pending task hash so
// NextDueTime stops reporting them.
func (s *redisStore) dropStale(ctx context.Context, ids []string, live map[string]struct{}) {
	var stale []any
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := s.client.ZRem(ctx, s.pendingKey(), stale...).Err(); err != nil {
		s.log.Warn("drop stale pending entries failed", logx.Int("count", len(stale)), logx.Err(err))
		return
	}
	s.log.Warn("dropped stale pending entries", logx.Int("count", len(stale)))
}

func (s *redisStore) MarkCompleted(ctx context.Context, id task.ID) error {
	return s.finish(ctx, id, task.Completed, "")
}

func (s *redisStore) MarkFailed(ctx context.Context, id task.ID, reason string) error {
	return s.finish(ctx, id, task.Failed, reason)
}

func (s *redisStore) finish(ctx context.Context, id task.ID, st task.Status, reason string) error {
	key := s.taskKey(id)
	member := strconv.FormatInt(int64(id), 10)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return task.ErrNotFound
		}
		if err != nil {
			return err
		}
		if task.Status(cur) != task.Pending {
			return nil
		}
		now := s.now().UnixMilli()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fields := map[string]any{"status": string(st), "finished_at": now}
			if reason != "" {
				fields["last_error"] = reason
			}
			p.HSet(ctx, key, fields)
			p.ZRem(ctx, s.pendingKey(), member)
			p.ZAdd(ctx, s.finishedKey(), redis.Z{Score: float64(now), Member: member})
			return nil
		})
		return err
	})
}

func (s *redisStore) RecordFailure(ctx context.Context, id task.ID, reason string) (int, error) {
	key := s.taskKey(id)
	var attempts int
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "attempts").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return task.ErrNotFound
		}
		attempts = atoiAny(vals[1])
		if task.Status(fmt.Sprint(vals[0])) != task.Pending {
			return nil
		}
		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			incr = p.HIncrBy(ctx, key, "attempts", 1)
			p.HSet(ctx, key, "last_error", reason)
			return nil
		})
		if err != nil {
			return err
		}
		attempts = int(incr.Val())
		return nil
	})
	return attempts, err
}

func (s *redisStore) Get(ctx context.Context, id task.ID) (task.Task, error) {
	ts, err := s.load(ctx, []string{strconv.FormatInt(int64(id), 10)})
	if err != nil {
		return task.Task{}, err
	}
	if len(ts) == 0 {
		return task.Task{}, task.ErrNotFound
	}
	return ts[0], nil
}

func (s *redisStore) List(ctx context.Context, f ListFilter) ([]task.Task, error) {
	key := s.allKey()
	if f.Status == task.Pending {
		key = s.pendingKey()
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ts, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(ts))
	for _, t := range ts {
		if f.Status == "" || t.Status == f.Status {
			out = append(out, t)
		}
	}
	sortByDue(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *redisStore) CountPending(ctx context.Context, from, to time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.pendingKey(),
		strconv.FormatInt(from.UnixMilli(), 10),
		"("+strconv.FormatInt(to.UnixMilli(), 10),
	).Result()
	return int(n), err
}

func (s *redisStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	members := make([]any, len(ids))
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			members[i] = id
			p.Del(ctx, s.prefix+"task:"+id)
		}
		p.ZRem(ctx, s.finishedKey(), members...)
		p.ZRem(ctx, s.allKey(), members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// load fetches task hashes in one pipeline, skipping ids whose hash is gone.
func (s *redisStore) load(ctx context.Context, ids []string) ([]task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.prefix+"task:"+id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]task.Task, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		id, _ := strconv.ParseInt(ids[i], 10, 64)
		out = append(out, s.decode(task.ID(id), m))
	}
	return out, nil
}

func (s *redisStore) decode(id task.ID, m map[string]string) task.Task {
	p, err := task.DecodePayload([]byte(m["payload"]))
	if err != nil {
		s.log.Warn("undecodable task payload", logx.Int64("task_id", int64(id)), logx.Err(err))
	}
	return task.Task{
		ID:         id,
		Kind:       task.Kind(m["kind"]),
		DueAt:      fromMillis(atoi64(m["due_at"])),
		Status:     task.Status(m["status"]),
		Attempts:   int(atoi64(m["attempts"])),
		LastError:  m["last_error"],
		CreatedAt:  fromMillis(atoi64(m["created_at"])),
		FinishedAt: fromMillis(atoi64(m["finished_at"])),
		Payload:    p,
	}
}

func (s *redisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %s: %w", key, redis.TxFailedErr)
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func atoiAny(v any) int {
	if v == nil {
		return 0
	}
	return int(atoi64(fmt.Sprint(v)))
}

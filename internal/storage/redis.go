package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v9"

	"naualerts/internal/alert"
	logx "naualerts/pkg/logx"
)

// Key layout (all keys carry the configured prefix):
//
//	marker:<source>          hash {last_id, version, updated_at}
//	subscribers:<topic>      set of chat ids
//	settings                 hash setting -> "true"/"false"
//	features:<feature>       set of chat ids
//	stats                    hash chat id -> JSON alert.ChatStats
//	invert_weeks             "0"/"1"
//	alerts:pending:<source>  list of alert JSON
const (
	keySettings    = "settings"
	keyStats       = "stats"
	keyInvertWeeks = "invert_weeks"
)

type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
	now    func() time.Time
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(cfg.RedisURL))
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opt), cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client. The store owns it and closes it on Close.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) Store {
	return &redisStore{rdb: rdb, prefix: prefix, log: log, now: time.Now}
}

func (r *redisStore) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

func (r *redisStore) topicKey(t alert.Topic) string     { return r.key("subscribers", string(t)) }
func (r *redisStore) featureKey(f alert.Feature) string { return r.key("features", string(f)) }

func (r *redisStore) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *redisStore) Close() error { return r.rdb.Close() }

func (r *redisStore) GetMarker(ctx context.Context, source string) (alert.Marker, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key("marker", source)).Result()
	if err != nil {
		return alert.Marker{}, fmt.Errorf("get marker %s: %w", source, err)
	}
	return decodeMarker(source, vals)
}

func decodeMarker(source string, vals map[string]string) (alert.Marker, error) {
	mk := alert.Marker{Source: source}
	if len(vals) == 0 {
		return mk, nil
	}
	var err error
	if mk.LastID, err = strconv.ParseUint(vals["last_id"], 10, 64); err != nil {
		return alert.Marker{}, fmt.Errorf("marker %s: last_id: %w", source, err)
	}
	if mk.Version, err = strconv.ParseUint(vals["version"], 10, 64); err != nil {
		return alert.Marker{}, fmt.Errorf("marker %s: version: %w", source, err)
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		mk.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return mk, nil
}

// CompareAndSetMarker uses WATCH/MULTI so a concurrent writer aborts the
// transaction instead of being overwritten.
func (r *redisStore) CompareAndSetMarker(ctx context.Context, source string, version, lastID uint64) (alert.Marker, error) {
	key := r.key("marker", source)
	var out alert.Marker
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur, err := decodeMarker(source, vals)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return ErrMarkerConflict
		}
		out = alert.Marker{Source: source, LastID: lastID, Version: version + 1, UpdatedAt: r.now().UTC().Truncate(time.Millisecond)}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"last_id", strconv.FormatUint(out.LastID, 10),
				"version", strconv.FormatUint(out.Version, 10),
				"updated_at", strconv.FormatInt(out.UpdatedAt.UnixMilli(), 10),
			)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return alert.Marker{}, ErrMarkerConflict
	case errors.Is(err, ErrMarkerConflict):
		return alert.Marker{}, ErrMarkerConflict
	case err != nil:
		return alert.Marker{}, fmt.Errorf("set marker %s: %w", source, err)
	}
	return out, nil
}

func chatMember(id int64) string { return strconv.FormatInt(id, 10) }

func (r *redisStore) Subscribe(ctx context.Context, topic alert.Topic, chatID int64) (bool, error) {
	n, err := r.rdb.SAdd(ctx, r.topicKey(topic), chatMember(chatID)).Result()
	return n > 0, err
}

func (r *redisStore) Unsubscribe(ctx context.Context, topic alert.Topic, chatID int64) (bool, error) {
	n, err := r.rdb.SRem(ctx, r.topicKey(topic), chatMember(chatID)).Result()
	return n > 0, err
}

func (r *redisStore) IsSubscribed(ctx context.Context, topic alert.Topic, chatID int64) (bool, error) {
	return r.rdb.SIsMember(ctx, r.topicKey(topic), chatMember(chatID)).Result()
}

func (r *redisStore) Subscribers(ctx context.Context, topic alert.Topic) ([]int64, error) {
	members, err := r.rdb.SMembers(ctx, r.topicKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("subscribers %s: %w", topic, err)
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			r.log.Warn("skipping malformed subscriber", logx.String("topic", string(topic)), logx.String("member", m))
			continue
		}
		out = append(out, id)
	}
	sortIDs(out)
	return out, nil
}

func (r *redisStore) chatSetKeys() []string {
	keys := make([]string, 0, len(alert.Topics)+len(alert.Features))
	for _, t := range alert.Topics {
		keys = append(keys, r.topicKey(t))
	}
	for _, f := range alert.Features {
		keys = append(keys, r.featureKey(f))
	}
	return keys
}

func (r *redisStore) MigrateChat(ctx context.Context, oldID, newID int64) error {
	oldM, newM := chatMember(oldID), chatMember(newID)
	keys := r.chatSetKeys()

	member := make([]*redis.BoolCmd, len(keys))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			member[i] = pipe.SIsMember(ctx, k, oldM)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate chat %d: %w", oldID, err)
	}
	stats, err := r.rdb.HGet(ctx, r.key(keyStats), oldM).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("migrate chat %d: %w", oldID, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			if member[i].Val() {
				pipe.SRem(ctx, k, oldM)
				pipe.SAdd(ctx, k, newM)
			}
		}
		if stats != "" {
			var st alert.ChatStats
			if json.Unmarshal([]byte(stats), &st) == nil {
				st.ChatID = newID
				if b, err := json.Marshal(st); err == nil {
					pipe.HSet(ctx, r.key(keyStats), newM, string(b))
				}
			}
			pipe.HDel(ctx, r.key(keyStats), oldM)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate chat %d: %w", oldID, err)
	}
	return nil
}

func (r *redisStore) RemoveChat(ctx context.Context, chatID int64) error {
	m := chatMember(chatID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range r.chatSetKeys() {
			pipe.SRem(ctx, k, m)
		}
		pipe.HDel(ctx, r.key(keyStats), m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove chat %d: %w", chatID, err)
	}
	return nil
}

func (r *redisStore) SettingEnabled(ctx context.Context, s alert.Setting) (bool, error) {
	v, err := r.rdb.HGet(ctx, r.key(keySettings), string(s)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (r *redisStore) SetSetting(ctx context.Context, s alert.Setting, enabled bool) error {
	return r.rdb.HSet(ctx, r.key(keySettings), string(s), strconv.FormatBool(enabled)).Err()
}

func (r *redisStore) FeatureEnabled(ctx context.Context, f alert.Feature, chatID int64) (bool, error) {
	return r.rdb.SIsMember(ctx, r.featureKey(f), chatMember(chatID)).Result()
}

func (r *redisStore) SetFeature(ctx context.Context, f alert.Feature, chatID int64, enabled bool) error {
	if enabled {
		return r.rdb.SAdd(ctx, r.featureKey(f), chatMember(chatID)).Err()
	}
	return r.rdb.SRem(ctx, r.featureKey(f), chatMember(chatID)).Err()
}

func (r *redisStore) WeeksInverted(ctx context.Context) (bool, error) {
	v, err := r.rdb.Get(ctx, r.key(keyInvertWeeks)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (r *redisStore) SetWeeksInverted(ctx context.Context, inverted bool) error {
	v := "0"
	if inverted {
		v = "1"
	}
	return r.rdb.Set(ctx, r.key(keyInvertWeeks), v, 0).Err()
}

func (r *redisStore) PutChatStats(ctx context.Context, st alert.ChatStats) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.key(keyStats), chatMember(st.ChatID), string(b)).Err()
}

func (r *redisStore) ChatStats(ctx context.Context) ([]alert.ChatStats, error) {
	all, err := r.rdb.HGetAll(ctx, r.key(keyStats)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]alert.ChatStats, 0, len(all))
	for field, raw := range all {
		var st alert.ChatStats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			r.log.Warn("skipping malformed chat stats", logx.String("chat", field), logx.Err(err))
			continue
		}
		if st.ChatID == 0 {
			st.ChatID, _ = strconv.ParseInt(field, 10, 64)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (r *redisStore) SavePending(ctx context.Context, source string, as []alert.Alert) error {
	if len(as) == 0 {
		return nil
	}
	vals := make([]any, 0, len(as))
	for _, a := range as {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		vals = append(vals, string(b))
	}
	return r.rdb.RPush(ctx, r.key("alerts", "pending", source), vals...).Err()
}

func (r *redisStore) TakePending(ctx context.Context, source string) ([]alert.Alert, error) {
	key := r.key("alerts", "pending", source)
	var lr *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("take pending %s: %w", source, err)
	}
	raw := lr.Val()
	out := make([]alert.Alert, 0, len(raw))
	for _, s := range raw {
		var a alert.Alert
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			r.log.Warn("dropping malformed pending alert", logx.String("source", source), logx.Err(err))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

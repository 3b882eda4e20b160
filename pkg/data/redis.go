package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldAlgorithm = "algorithm"
	fieldCascade   = "cascade"
	fieldConsensus = "consensus"
	fieldFlagged   = "flagged"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// RedisStore implements Store with one redis hash per verdict. Keys are
// <prefix>ip:<addr> and <prefix>player:<uuid>.
type RedisStore struct {
	name   string
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// Ensure RedisStore implements the Store interface
var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a connected client
func NewRedisStore(name string, client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		name:   name,
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("store", name)),
	}
}

func (s *RedisStore) Name() string { return s.name }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) ipKey(ip string) string        { return s.prefix + "ip:" + ip }
func (s *RedisStore) playerKey(id uuid.UUID) string { return s.prefix + "player:" + id.String() }

func formatTime(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }
func formatBool(b bool) string      { return strconv.FormatBool(b) }
func formatFloat(f float64) string  { return strconv.FormatFloat(f, 'g', -1, 64) }

func parseTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func (s *RedisStore) GetIP(ctx context.Context, ip string, freshness time.Duration) (*IPVerdict, error) {
	fields, err := s.client.HGetAll(ctx, s.ipKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading ip verdict: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	v, err := decodeIPVerdict(ip, fields)
	if err != nil {
		return nil, fmt.Errorf("decoding ip verdict %s: %w", ip, err)
	}
	if !IsFresh(v.UpdatedAt, freshness) {
		return nil, ErrNotFound
	}
	return v, nil
}

func decodeIPVerdict(ip string, fields map[string]string) (*IPVerdict, error) {
	v := &IPVerdict{IP: ip}

	algorithm, err := strconv.Atoi(fields[fieldAlgorithm])
	if err != nil {
		return nil, fmt.Errorf("parsing algorithm: %w", err)
	}
	v.Algorithm = Algorithm(algorithm)

	if raw, ok := fields[fieldCascade]; ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing cascade: %w", err)
		}
		v.Cascade = &b
	}
	if raw, ok := fields[fieldConsensus]; ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing consensus: %w", err)
		}
		v.Consensus = &f
	}

	if v.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return v, nil
}

// scanKeys walks the keyspace under a prefix with SCAN so large datasets do
// not block the server.
func (s *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", prefix, err)
	}
	return keys, nil
}

// freshKeys returns the suffix of every key under prefix whose updated_at
// is inside the freshness window.
func (s *RedisStore) freshKeys(ctx context.Context, prefix string, freshness time.Duration) ([]string, error) {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, fieldUpdatedAt)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading update times: %w", err)
	}

	out := make([]string, 0, len(keys))
	for i, cmd := range cmds {
		if errors.Is(cmd.Err(), redis.Nil) {
			// deleted between SCAN and HGET
			continue
		}
		updated, err := parseTime(cmd.Val())
		if err != nil {
			s.logger.Warn("Skipping malformed record", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if IsFresh(updated, freshness) {
			out = append(out, strings.TrimPrefix(keys[i], prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) ListIPs(ctx context.Context, freshness time.Duration) ([]string, error) {
	return s.freshKeys(ctx, s.prefix+"ip:", freshness)
}

func (s *RedisStore) SaveIP(ctx context.Context, v *IPVerdict) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validating ip verdict: %w", err)
	}

	key := s.ipKey(v.IP)
	now := formatTime(time.Now())

	values := map[string]interface{}{
		fieldAlgorithm: strconv.Itoa(int(v.Algorithm)),
		fieldUpdatedAt: now,
	}
	var unset []string
	if v.Cascade != nil {
		values[fieldCascade] = formatBool(*v.Cascade)
	} else {
		unset = append(unset, fieldCascade)
	}
	if v.Consensus != nil {
		values[fieldConsensus] = formatFloat(*v.Consensus)
	} else {
		unset = append(unset, fieldConsensus)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldCreatedAt, now)
		pipe.HSet(ctx, key, values)
		if len(unset) > 0 {
			pipe.HDel(ctx, key, unset...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting ip verdict: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteIP(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, s.ipKey(ip)).Err(); err != nil {
		return fmt.Errorf("deleting ip verdict: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPlayer(ctx context.Context, id uuid.UUID, freshness time.Duration) (*PlayerVerdict, error) {
	fields, err := s.client.HGetAll(ctx, s.playerKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading player verdict: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	v := &PlayerVerdict{Player: id}
	if v.Flagged, err = strconv.ParseBool(fields[fieldFlagged]); err != nil {
		return nil, fmt.Errorf("parsing flagged: %w", err)
	}
	if v.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if !IsFresh(v.UpdatedAt, freshness) {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *RedisStore) ListPlayers(ctx context.Context, freshness time.Duration) ([]uuid.UUID, error) {
	raw, err := s.freshKeys(ctx, s.prefix+"player:", freshness)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			s.logger.Warn("Skipping malformed player id", zap.String("player", r), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) SavePlayer(ctx context.Context, v *PlayerVerdict) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validating player verdict: %w", err)
	}

	key := s.playerKey(v.Player)
	now := formatTime(time.Now())

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldCreatedAt, now)
		pipe.HSet(ctx, key, fieldFlagged, formatBool(v.Flagged), fieldUpdatedAt, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting player verdict: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, s.playerKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting player verdict: %w", err)
	}
	return nil
}

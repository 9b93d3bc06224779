package positionstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
)

// RedisStore implements Store over Redis, the way
// internal/geo/redis_geo.go in the teacher repo keys driver state off
// GEOADD+HSET: here the position record is a Hash (so a field-level
// write like SetConnection never has to touch the key's TTL) and cell
// membership is a Set with its own TTL.
type RedisStore struct {
	client      *redis.Client
	ttl         time.Duration
	activeKey   string
	procKey     string
}

const (
	posKeyPrefix  = "driver:pos:"
	cellKeyPrefix = "driver:cell:"
)

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		activeKey: "driver:sync:active",
		procKey:   "driver:sync:processing",
	}
}

func posKey(driverID string) string  { return posKeyPrefix + driverID }
func cellKey(c geocell.Cell) string  { return cellKeyPrefix + strconv.FormatUint(uint64(c), 10) }

// upsertScript removes the driver's membership from its previous cell
// (if the caller found one and it differs from the new cell), writes
// the new hash fields, and refreshes the TTL on both the hash and the
// cell set in one round trip. This is the atomic write-with-TTL
// primitive spec §5 requires: TTL is attached in the same script as
// the value, never a separate call.
var upsertScript = redis.NewScript(`
local posKey = KEYS[1]
local newCellKey = KEYS[2]
local oldCellKey = KEYS[3]
local ttl = tonumber(ARGV[1])
local driverID = ARGV[2]
local newCellID = ARGV[3]

if oldCellKey ~= newCellKey then
  redis.call('SREM', oldCellKey, driverID)
end

redis.call('HSET', posKey,
  'driver_id', ARGV[2],
  'user_id', ARGV[4],
  'lat', ARGV[5],
  'lon', ARGV[6],
  'cell_id', newCellID,
  'last_seen_at', ARGV[7],
  'is_online', ARGV[8],
  'is_available', ARGV[9])
redis.call('EXPIRE', posKey, ttl)

redis.call('SADD', newCellKey, driverID)
redis.call('EXPIRE', newCellKey, ttl)

redis.call('SADD', KEYS[4], driverID)
return 1
`)

func (s *RedisStore) Upsert(ctx context.Context, driverID string, pos models.DriverPosition) error {
	cell, err := geocell.CellOf(pos.Loc.Lat, pos.Loc.Lon)
	if err != nil {
		return apperr.New(apperr.PermanentStore, "positionstore.Upsert", err)
	}
	pos.CellID = cell
	if pos.LastSeenAt.IsZero() {
		pos.LastSeenAt = time.Now()
	}

	oldCellID, err := s.client.HGet(ctx, posKey(driverID), "cell_id").Result()
	if err != nil && err != redis.Nil {
		return apperr.New(apperr.TransientStore, "positionstore.Upsert", err)
	}
	oldCellKey := cellKey(cell) // same as new if unknown/unchanged; script no-ops SREM in that case
	if oldCellID != "" {
		if parsed, perr := strconv.ParseUint(oldCellID, 10, 64); perr == nil {
			oldCellKey = cellKey(geocell.Cell(parsed))
		}
	}

	_, err = upsertScript.Run(ctx, s.client,
		[]string{posKey(driverID), cellKey(cell), oldCellKey, s.activeKey},
		int(s.ttl.Seconds()),
		driverID,
		strconv.FormatUint(uint64(cell), 10),
		pos.UserID,
		strconv.FormatFloat(pos.Loc.Lat, 'f', -1, 64),
		strconv.FormatFloat(pos.Loc.Lon, 'f', -1, 64),
		pos.LastSeenAt.Format(time.RFC3339Nano),
		strconv.FormatBool(pos.IsOnline),
		strconv.FormatBool(pos.IsAvailable),
	).Result()
	if err != nil {
		return apperr.New(apperr.TransientStore, "positionstore.Upsert", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, driverID string) (models.DriverPosition, bool, error) {
	m, err := s.client.HGetAll(ctx, posKey(driverID)).Result()
	if err != nil {
		return models.DriverPosition{}, false, apperr.New(apperr.TransientStore, "positionstore.Get", err)
	}
	if len(m) == 0 {
		return models.DriverPosition{}, false, nil
	}
	pos, err := decodePosition(driverID, m)
	if err != nil {
		return models.DriverPosition{}, false, apperr.New(apperr.PermanentStore, "positionstore.Get", err)
	}
	return pos, true, nil
}

func decodePosition(driverID string, m map[string]string) (models.DriverPosition, error) {
	lat, err := strconv.ParseFloat(m["lat"], 64)
	if err != nil {
		return models.DriverPosition{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := strconv.ParseFloat(m["lon"], 64)
	if err != nil {
		return models.DriverPosition{}, fmt.Errorf("lon: %w", err)
	}
	cellID, err := strconv.ParseUint(m["cell_id"], 10, 64)
	if err != nil {
		return models.DriverPosition{}, fmt.Errorf("cell_id: %w", err)
	}
	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen_at"])
	return models.DriverPosition{
		DriverID:         driverID,
		UserID:           m["user_id"],
		Loc:              models.Coord{Lat: lat, Lon: lon},
		CellID:           geocell.Cell(cellID),
		LastSeenAt:       lastSeen,
		IsOnline:         m["is_online"] == "true",
		IsAvailable:      m["is_available"] == "true",
		ConnectionHandle: m["connection_handle"],
	}, nil
}

func (s *RedisStore) MembersOfCells(ctx context.Context, cells []geocell.Cell) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, c := range cells {
		ids, err := s.client.SMembers(ctx, cellKey(c)).Result()
		if err != nil {
			return nil, apperr.New(apperr.TransientStore, "positionstore.MembersOfCells", err)
		}
		for _, id := range ids {
			out[id] = true
		}
	}
	return out, nil
}

func (s *RedisStore) SetConnection(ctx context.Context, driverID string, handle string) error {
	// Plain HSET never touches the key's TTL, which is exactly the
	// "mutate only the connection field without resetting the TTL
	// floor" contract of spec §4.B.
	if err := s.client.HSet(ctx, posKey(driverID), "connection_handle", handle).Err(); err != nil {
		return apperr.New(apperr.TransientStore, "positionstore.SetConnection", err)
	}
	return nil
}

func (s *RedisStore) ClearOnDisconnect(ctx context.Context, driverID string) error {
	return s.SetConnection(ctx, driverID, "")
}

func (s *RedisStore) MarkAvailable(ctx context.Context, driverID string, available bool) error {
	if err := s.client.HSet(ctx, posKey(driverID), "is_available", strconv.FormatBool(available)).Err(); err != nil {
		return apperr.New(apperr.TransientStore, "positionstore.MarkAvailable", err)
	}
	return nil
}

func (s *RedisStore) ActiveDirtyDriverIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey).Result()
	if err != nil {
		return nil, apperr.New(apperr.TransientStore, "positionstore.ActiveDirtyDriverIDs", err)
	}
	return ids, nil
}

// snapshotScript implements spec §4.F phase 1 as a single round trip:
// rename the active set onto the processing key (which must not exist
// yet -- RENAME would otherwise clobber a processing set left by a
// crashed prior run, so the caller must have already recovered it).
// The active key is left absent afterwards; the next upsert's SADD
// recreates it, so concurrent upserts during the run land in a fresh
// active set.
var snapshotScript = redis.NewScript(`
local activeKey = KEYS[1]
local procKey = KEYS[2]
if redis.call('EXISTS', activeKey) == 0 then
  return {}
end
redis.call('RENAME', activeKey, procKey)
return redis.call('SMEMBERS', procKey)
`)

func (s *RedisStore) SnapshotActiveDirty(ctx context.Context) ([]string, error) {
	res, err := snapshotScript.Run(ctx, s.client, []string{s.activeKey, s.procKey}).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, apperr.New(apperr.TransientStore, "positionstore.SnapshotActiveDirty", err)
	}
	return res, nil
}

func (s *RedisStore) MergeBackToActive(ctx context.Context, driverIDs []string) error {
	if len(driverIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(driverIDs))
	for i, id := range driverIDs {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, s.activeKey, members...).Err(); err != nil {
		return apperr.New(apperr.TransientStore, "positionstore.MergeBackToActive", err)
	}
	return nil
}

func (s *RedisStore) ClearProcessing(ctx context.Context) error {
	if err := s.client.Del(ctx, s.procKey).Err(); err != nil {
		return apperr.New(apperr.TransientStore, "positionstore.ClearProcessing", err)
	}
	return nil
}

func (s *RedisStore) ProcessingDriverIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.procKey).Result()
	if err != nil {
		return nil, apperr.New(apperr.TransientStore, "positionstore.ProcessingDriverIDs", err)
	}
	return ids, nil
}

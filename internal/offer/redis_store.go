package offer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/models"
)

// RedisStore implements Store over Redis. The state transition is a
// Lua-scripted compare-and-swap on a JSON blob: Redis executes scripts
// single-threaded and atomically, so this is the first-writer-wins
// primitive spec §5 requires without needing a separate lock service.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	postGrace time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisStore{client: client, ttl: ttl, postGrace: 60 * time.Second}
}

func offerKey(id string) string { return "offer:" + id }

func (s *RedisStore) Create(ctx context.Context, o models.Offer) error {
	b, err := json.Marshal(o)
	if err != nil {
		return apperr.New(apperr.PermanentStore, "offer.Create", err)
	}
	// The key must outlive the offer's OPEN window by postGrace so the
	// expiry transition (via expireScript) and GetOfferState
	// reconciliation both still find the key once the offer is due to
	// expire, mirroring MemStore's ExpiresAt+gracePeriod retention.
	if err := s.client.Set(ctx, offerKey(o.OfferID), b, s.ttl+s.postGrace).Err(); err != nil {
		return apperr.New(apperr.TransientStore, "offer.Create", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, offerID string) (models.Offer, bool, error) {
	b, err := s.client.Get(ctx, offerKey(offerID)).Bytes()
	if err == redis.Nil {
		return models.Offer{}, false, nil
	}
	if err != nil {
		return models.Offer{}, false, apperr.New(apperr.TransientStore, "offer.Get", err)
	}
	var o models.Offer
	if err := json.Unmarshal(b, &o); err != nil {
		return models.Offer{}, false, apperr.New(apperr.PermanentStore, "offer.Get", err)
	}
	return o, true, nil
}

// acceptScript is spec §4.E step 2's "first writer wins" primitive: it
// reads the offer, checks state==OPEN, and writes winner+ACCEPTED in
// the same script invocation. Redis guarantees no other script or
// command interleaves with this one, so exactly one concurrent caller
// observes won=true.
var acceptScript = redis.NewScript(`
local key = KEYS[1]
local driverID = ARGV[1]
local ttl = tonumber(ARGV[2])
local raw = redis.call('GET', key)
if not raw then
  return cjson.encode({won=false, found=false})
end
local o = cjson.decode(raw)
if o.state ~= 'OPEN' then
  return cjson.encode({won=false, found=true, offer=o})
end
o.state = 'ACCEPTED'
o.winner = driverID
redis.call('SET', key, cjson.encode(o), 'EX', ttl)
return cjson.encode({won=true, found=true, offer=o})
`)

type acceptScriptResult struct {
	Won   bool          `json:"won"`
	Found bool          `json:"found"`
	Offer models.Offer  `json:"offer"`
}

func (s *RedisStore) TryAccept(ctx context.Context, offerID, driverID string) (AcceptResult, error) {
	raw, err := acceptScript.Run(ctx, s.client, []string{offerKey(offerID)}, driverID, int(s.postGrace.Seconds())).Text()
	if err != nil {
		return AcceptResult{}, apperr.New(apperr.TransientStore, "offer.TryAccept", err)
	}
	var res acceptScriptResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return AcceptResult{}, apperr.New(apperr.PermanentStore, "offer.TryAccept", err)
	}
	if !res.Found {
		return AcceptResult{}, apperr.New(apperr.NotFound, "offer.TryAccept", nil)
	}
	return AcceptResult{Won: res.Won, Offer: res.Offer}, nil
}

// removeRecipientScript drops driverID from recipients without
// touching state, so a late reject never races the accept transition.
var removeRecipientScript = redis.NewScript(`
local key = KEYS[1]
local driverID = ARGV[1]
local raw = redis.call('GET', key)
if not raw then return 0 end
local o = cjson.decode(raw)
if o.recipients then
  o.recipients[driverID] = nil
end
local ttl = redis.call('TTL', key)
if ttl < 0 then ttl = tonumber(ARGV[2]) end
redis.call('SET', key, cjson.encode(o), 'EX', ttl)
return 1
`)

func (s *RedisStore) RemoveRecipient(ctx context.Context, offerID, driverID string) error {
	_, err := removeRecipientScript.Run(ctx, s.client, []string{offerKey(offerID)}, driverID, int(s.postGrace.Seconds())).Result()
	if err != nil {
		return apperr.New(apperr.TransientStore, "offer.RemoveRecipient", err)
	}
	return nil
}

// expireScript is the same compare-and-swap shape as acceptScript,
// for the OPEN->EXPIRED transition (spec §4.E expiry / rider cancel).
var expireScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local raw = redis.call('GET', key)
if not raw then
  return cjson.encode({changed=false, found=false})
end
local o = cjson.decode(raw)
if o.state ~= 'OPEN' then
  return cjson.encode({changed=false, found=true, offer=o})
end
o.state = 'EXPIRED'
redis.call('SET', key, cjson.encode(o), 'EX', ttl)
return cjson.encode({changed=true, found=true, offer=o})
`)

type expireScriptResult struct {
	Changed bool         `json:"changed"`
	Found   bool         `json:"found"`
	Offer   models.Offer `json:"offer"`
}

func (s *RedisStore) Expire(ctx context.Context, offerID string) (bool, models.Offer, error) {
	raw, err := expireScript.Run(ctx, s.client, []string{offerKey(offerID)}, int(s.postGrace.Seconds())).Text()
	if err != nil {
		return false, models.Offer{}, apperr.New(apperr.TransientStore, "offer.Expire", err)
	}
	var res expireScriptResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return false, models.Offer{}, apperr.New(apperr.PermanentStore, "offer.Expire", err)
	}
	if !res.Found {
		return false, models.Offer{}, nil
	}
	return res.Changed, res.Offer, nil
}

func (s *RedisStore) Cancel(ctx context.Context, offerID, riderID string) (bool, models.Offer, error) {
	o, ok, err := s.Get(ctx, offerID)
	if err != nil {
		return false, models.Offer{}, err
	}
	if !ok {
		return false, models.Offer{}, apperr.New(apperr.NotFound, "offer.Cancel", nil)
	}
	if o.RiderID != riderID {
		return false, o, apperr.New(apperr.PreconditionFailed, "offer.Cancel", nil)
	}
	return s.Expire(ctx, offerID)
}

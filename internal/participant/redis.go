package participant

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for participant hashes.
	KeyPrefix = "participant:"

	// AvailableKey is the set of listener IDs whose availability is
	// "available". It is maintained by the Lua scripts below so membership
	// always agrees with the hash field.
	AvailableKey = "listeners:available"
)

// RedisDirectory keeps participants in Redis hashes. Availability changes go
// through Lua scripts so the reservation compare-and-set is atomic across
// every gateway instance.
type RedisDirectory struct {
	rdb       *redis.Client
	casScript *redis.Script
	setScript *redis.Script
}

// NewRedisDirectory creates a Directory backed by rdb.
func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{
		rdb:       rdb,
		casScript: redis.NewScript(casAvailabilityLua),
		setScript: redis.NewScript(setAvailabilityLua),
	}
}

func (d *RedisDirectory) FindByID(ctx context.Context, id string) (*Participant, error) {
	result, err := d.rdb.HGetAll(ctx, KeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("participant: get %s: %w", id, err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(id, result), nil
}

func (d *RedisDirectory) AvailableListeners(ctx context.Context) ([]*Participant, error) {
	ids, err := d.rdb.SMembers(ctx, AvailableKey).Result()
	if err != nil {
		return nil, fmt.Errorf("participant: available listeners: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := d.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, KeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("participant: load listeners: %w", err)
	}

	out := make([]*Participant, 0, len(ids))
	for i, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil || len(h) == 0 {
			continue
		}
		p := fromHash(ids[i], h)
		// The set is authoritative for membership but the hash is
		// authoritative for state; skip anything that drifted.
		if p.Active && p.IsListener() && p.Availability == Available {
			out = append(out, p)
		}
	}
	return out, nil
}

// CompareAndSetAvailability runs casAvailabilityLua. Script results:
//
//	1  = swapped
//	0  = current value differs from `from`
//	-1 = participant not found
func (d *RedisDirectory) CompareAndSetAvailability(ctx context.Context, id string, from, to Availability) (bool, error) {
	res, err := d.casScript.Run(ctx, d.rdb, []string{KeyPrefix + id, AvailableKey},
		id, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("participant: cas availability: %w", err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, ErrNotFound
	default:
		return false, nil
	}
}

func (d *RedisDirectory) SetAvailability(ctx context.Context, id string, a Availability) error {
	res, err := d.setScript.Run(ctx, d.rdb, []string{KeyPrefix + id, AvailableKey}, id, string(a)).Int()
	if err != nil {
		return fmt.Errorf("participant: set availability: %w", err)
	}
	if res == -1 {
		return ErrNotFound
	}
	return nil
}

func (d *RedisDirectory) IncrementChatCount(ctx context.Context, id string) error {
	return d.updateExisting(ctx, id, func(pipe redis.Pipeliner, key string) {
		pipe.HIncrBy(ctx, key, "total_chats", 1)
	})
}

func (d *RedisDirectory) SetRating(ctx context.Context, id string, rating float64) error {
	return d.updateExisting(ctx, id, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "rating", strconv.FormatFloat(rating, 'f', -1, 64))
	})
}

func (d *RedisDirectory) Upsert(ctx context.Context, p *Participant) error {
	key := KeyPrefix + p.ID
	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, key, toHash(p))
	if p.Active && p.IsListener() && p.Availability == Available {
		pipe.SAdd(ctx, AvailableKey, p.ID)
	} else {
		pipe.SRem(ctx, AvailableKey, p.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("participant: upsert %s: %w", p.ID, err)
	}
	return nil
}

func (d *RedisDirectory) updateExisting(ctx context.Context, id string, fn func(redis.Pipeliner, string)) error {
	key := KeyPrefix + id
	n, err := d.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("participant: exists %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	pipe := d.rdb.Pipeline()
	fn(pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("participant: update %s: %w", id, err)
	}
	return nil
}

func toHash(p *Participant) map[string]interface{} {
	active := "0"
	if p.Active {
		active = "1"
	}
	return map[string]interface{}{
		"pseudonym":    p.Pseudonym,
		"bio":          p.Bio,
		"roles":        joinList(p.Roles),
		"availability": string(p.Availability),
		"rating":       strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"total_chats":  p.TotalChats,
		"topics":       joinList(p.Topics),
		"interests":    joinList(p.Interests),
		"languages":    joinList(p.Languages),
		"active":       active,
	}
}

func fromHash(id string, h map[string]string) *Participant {
	rating, _ := strconv.ParseFloat(h["rating"], 64)
	chats, _ := strconv.Atoi(h["total_chats"])
	availability := Availability(h["availability"])
	if !availability.Valid() {
		availability = Unavailable
	}
	return &Participant{
		ID:           id,
		Pseudonym:    h["pseudonym"],
		Bio:          h["bio"],
		Roles:        splitList(h["roles"]),
		Availability: availability,
		Rating:       rating,
		TotalChats:   chats,
		Topics:       splitList(h["topics"]),
		Interests:    splitList(h["interests"]),
		Languages:    splitList(h["languages"]),
		Active:       h["active"] == "1",
	}
}

// casAvailabilityLua swaps the availability field only when it holds the
// expected value and keeps the available-listener set in step.
const casAvailabilityLua = `
local key = KEYS[1]
local set = KEYS[2]
local id = ARGV[1]
local from = ARGV[2]
local to = ARGV[3]

if redis.call('EXISTS', key) == 0 then return -1 end

local current = redis.call('HGET', key, 'availability')
if current == false then current = 'unavailable' end
if current ~= from then return 0 end

redis.call('HSET', key, 'availability', to)
if to == 'available' then
    redis.call('SADD', set, id)
else
    redis.call('SREM', set, id)
end
return 1
`

// setAvailabilityLua writes the availability field unconditionally.
const setAvailabilityLua = `
local key = KEYS[1]
local set = KEYS[2]
local id = ARGV[1]
local to = ARGV[2]

if redis.call('EXISTS', key) == 0 then return -1 end

redis.call('HSET', key, 'availability', to)
if to == 'available' then
    redis.call('SADD', set, id)
else
    redis.call('SREM', set, id)
end
return 1
`

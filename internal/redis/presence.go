package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chatcore/internal/presence"
)

var _ presence.Mirror = (*PresenceMirror)(nil)

// PresenceStatus is the eventually-consistent mirror of a user's online
// state, kept in Redis so the REST companion can read presence without
// talking to the in-process Presence Registry.
type PresenceStatus struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceMirror is the Redis-backed secondary presence store. It never
// sits on the critical path of the authoritative in-memory registry; its
// writes are best-effort side effects fired after the local transition.
type PresenceMirror struct {
	client *goredis.Client
	ttl    time.Duration
}

const (
	presenceKeyPrefix    = "presence:"
	presenceOnlineSet    = "presence:online"
	presenceHeartbeatKey = "presence:heartbeat:all"
)

func NewPresenceMirror(client *goredis.Client, ttl time.Duration) *PresenceMirror {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceMirror{client: client, ttl: ttl}
}

func (p *PresenceMirror) SetOnline(ctx context.Context, userID string) error {
	now := time.Now()
	status := PresenceStatus{UserID: userID, IsOnline: true, LastSeen: now}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, p.ttl)
	pipe.SAdd(ctx, presenceOnlineSet, userID)
	pipe.ZAdd(ctx, presenceHeartbeatKey, goredis.Z{Score: float64(now.Unix()), Member: userID})
	_, err = pipe.Exec(ctx)
	return err
}

func (p *PresenceMirror) SetOffline(ctx context.Context, userID string) error {
	now := time.Now()
	status := PresenceStatus{UserID: userID, IsOnline: false, LastSeen: now}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, 24*time.Hour)
	pipe.SRem(ctx, presenceOnlineSet, userID)
	pipe.ZRem(ctx, presenceHeartbeatKey, userID)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the TTL and heartbeat score for a user who hasn't
// transitioned state but is still connected, so CleanupStalePresence never
// evicts an actually-live session.
func (p *PresenceMirror) Heartbeat(ctx context.Context, userID string) error {
	pipe := p.client.Pipeline()
	pipe.Expire(ctx, presenceKeyPrefix+userID, p.ttl)
	pipe.ZAdd(ctx, presenceHeartbeatKey, goredis.Z{Score: float64(time.Now().Unix()), Member: userID})
	_, err := pipe.Exec(ctx)
	return err
}

func (p *PresenceMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.client.SIsMember(ctx, presenceOnlineSet, userID).Result()
}

func (p *PresenceMirror) GetOnlineUsers(ctx context.Context) ([]string, error) {
	return p.client.SMembers(ctx, presenceOnlineSet).Result()
}

// CleanupStalePresence marks users offline whose heartbeat predates maxAge,
// guarding against a process crash that never reached SetOffline.
func (p *PresenceMirror) CleanupStalePresence(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	stale, err := p.client.ZRangeByScore(ctx, presenceHeartbeatKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(threshold, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, userID := range stale {
		_ = p.SetOffline(ctx, userID)
	}
	return int64(len(stale)), nil
}

package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which clients are connected to a session. Entries live in
// one hash per session whose TTL is refreshed by Touch, so a crashed
// instance's clients age out on their own.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

// Join marks clientID as connected with the given role.
func (p *Presence) Join(ctx context.Context, sessionID, clientID, role string) error {
	key := p.key(sessionID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, clientID, role)
	if p.ttl > 0 {
		pipe.Expire(ctx, key, p.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Leave removes clientID and drops the key once the session is empty.
func (p *Presence) Leave(ctx context.Context, sessionID, clientID string) error {
	key := p.key(sessionID)
	if err := p.client.HDel(ctx, key, clientID).Err(); err != nil {
		return err
	}
	n, err := p.client.HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return p.client.Del(ctx, key).Err()
	}
	return nil
}

// Touch extends the session's presence TTL.
func (p *Presence) Touch(ctx context.Context, sessionID string) error {
	if p.ttl <= 0 {
		return nil
	}
	return p.client.Expire(ctx, p.key(sessionID), p.ttl).Err()
}

// Members returns clientID -> role for the session.
func (p *Presence) Members(ctx context.Context, sessionID string) (map[string]string, error) {
	return p.client.HGetAll(ctx, p.key(sessionID)).Result()
}

// Count returns how many clients with role are connected; empty role counts all.
func (p *Presence) Count(ctx context.Context, sessionID, role string) (int, error) {
	members, err := p.Members(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if role == "" {
		return len(members), nil
	}
	n := 0
	for _, r := range members {
		if r == role {
			n++
		}
	}
	return n, nil
}

func (p *Presence) key(sessionID string) string {
	return "classroom:presence:" + sessionID
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrRunInProgress is returned when another cycle holds the lease.
var ErrRunInProgress = errors.New("a processing cycle is already running")

// Lease serializes processing cycles.
type Lease interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLease serializes cycles inside one process.
type LocalLease struct {
	mu sync.Mutex
}

func (l *LocalLease) Acquire(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	return l.mu.Unlock, nil
}

// RedisLease serializes cycles across processes with a SET NX key. The TTL
// frees the lease if the holder dies mid-cycle; while the holder lives the
// key is renewed every third of the TTL.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	renew  time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, ttl: ttl, renew: ttl / 3}
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the key only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

func (l *RedisLease) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			_ = releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err()
		})
	}, nil
}

// keepAlive pushes the expiry back until stopped or until the key no longer
// holds token.
func (l *RedisLease) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if l.renew <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := renewScript.Run(context.Background(), l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				<-stop
				return
			}
		}
	}
}

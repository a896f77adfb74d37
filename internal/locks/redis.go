package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisPrefix = "corpusd:lock:"
	defaultTTL         = 30 * time.Second
	defaultPollEvery   = 100 * time.Millisecond
)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Prefix    string        `koanf:"prefix"`
	TTL       time.Duration `koanf:"ttl"`
	PollEvery time.Duration `koanf:"poll_every"`
}

// RedisLocker holds locks as Redis keys set with SET NX PX. A held lock is
// renewed at a third of its TTL until released, so a crashed holder frees
// the key after one TTL.
//
// Renew and release run token-checked Lua scripts so one holder can never
// extend or delete another holder's key.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultPollEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}, nil
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lock key cannot be empty")
	}
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	rkey := l.cfg.Prefix + key

	ticker := time.NewTicker(l.cfg.PollEvery)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(rkey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(rkey, token)
		})
	}, nil
}

func (l *RedisLocker) renew(rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL/3)
			res, err := renewScript.Run(ctx, l.client, []string{rkey}, token, l.cfg.TTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("lock renewal failed", zap.String("key", rkey), zap.Error(err))
				continue
			}
			if res != 1 {
				l.logger.Error("lock lost before release", zap.String("key", rkey))
				return
			}
		}
	}
}

// release ignores the caller's context: a cancelled build must still free
// its key.
func (l *RedisLocker) release(rkey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := releaseScript.Run(ctx, l.client, []string{rkey}, token).Int(); err != nil {
		l.logger.Warn("lock release failed", zap.String("key", rkey), zap.Error(err))
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

var _ Locker = (*RedisLocker)(nil)

package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maragf/claude-relay/internal/crypto"
	"github.com/maragf/claude-relay/internal/domain"
)

const redisAccountPrefix = "clauderelay:account:"

// RedisStore keeps account records in Redis so several relay instances
// can share pool and health state. Each account is one JSON value with
// encrypted credentials when an Encryptor is supplied.
type RedisStore struct {
	client *redis.Client
	enc    *crypto.Encryptor
}

func NewRedisStore(redisURL string, enc *crypto.Encryptor) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, enc: enc}, nil
}

func (s *RedisStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	iter := s.client.Scan(ctx, 0, redisAccountPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get account %s: %w", iter.Val(), err)
		}
		a, err := s.decode(data)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan accounts: %w", err)
	}
	return accounts, nil
}

func (s *RedisStore) SaveAccount(ctx context.Context, a *Account) error {
	data, err := s.encode(a)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisAccountPrefix+a.ID, data, 0).Err()
}

func (s *RedisStore) UpdateHealth(ctx context.Context, id string, health HealthState, resetsAt, coolingUntil time.Time) error {
	return s.mutate(ctx, id, func(a *Account) {
		a.Health = health
		a.ResetsAt = resetsAt
		a.CoolingUntil = coolingUntil
	})
}

func (s *RedisStore) UpdateCredentials(ctx context.Context, id string, oauth *OAuthToken, cookie string) error {
	return s.mutate(ctx, id, func(a *Account) {
		if oauth != nil {
			tok := *oauth
			a.OAuth = &tok
		}
		if cookie != "" {
			a.Cookie = cookie
		}
	})
}

func (s *RedisStore) DeleteAccount(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, redisAccountPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// mutate is a read-modify-write under WATCH so concurrent health
// updates from other relay instances are not lost.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Account)) error {
	key := redisAccountPrefix + id

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		a, err := s.decode(data)
		if err != nil {
			return err
		}
		fn(a)
		updated, err := s.encode(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("update account %s: too many conflicts", id)
}

func (s *RedisStore) encode(a *Account) ([]byte, error) {
	cp := a.Clone()
	if s.enc != nil {
		var err error
		if cp.Cookie != "" {
			if cp.Cookie, err = s.enc.Encrypt(cp.Cookie); err != nil {
				return nil, err
			}
		}
		if cp.OAuth != nil && cp.OAuth.RefreshToken != "" {
			if cp.OAuth.RefreshToken, err = s.enc.Encrypt(cp.OAuth.RefreshToken); err != nil {
				return nil, err
			}
		}
	}
	return json.Marshal(cp)
}

func (s *RedisStore) decode(data []byte) (*Account, error) {
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	if s.enc != nil {
		var err error
		if a.Cookie != "" {
			if a.Cookie, err = s.enc.Decrypt(a.Cookie); err != nil {
				return nil, fmt.Errorf("decrypt cookie for %s: %w", a.ID, err)
			}
		}
		if a.OAuth != nil && a.OAuth.RefreshToken != "" {
			if a.OAuth.RefreshToken, err = s.enc.Decrypt(a.OAuth.RefreshToken); err != nil {
				return nil, fmt.Errorf("decrypt refresh token for %s: %w", a.ID, err)
			}
		}
	}
	return &a, nil
}

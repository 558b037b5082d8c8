package hostkv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisVault is the reference SecretVault implementation. It stores values
// under a dedicated "secret:" prefix, distinct from RedisStorage's
// collections, so an operator can apply separate ACLs/encryption-at-rest
// policy to the keyspace holding credentials.
type RedisVault struct {
	client *redis.Client
}

func NewRedisVault(client *redis.Client) *RedisVault {
	return &RedisVault{client: client}
}

func secretKey(k string) string { return "secret:" + k }

func (v *RedisVault) GetSecret(ctx context.Context, key string) ([]byte, error) {
	val, err := v.client.Get(ctx, secretKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "hostkv: get secret %s", key)
	}
	return val, nil
}

func (v *RedisVault) PutSecret(ctx context.Context, key string, value []byte) error {
	if err := v.client.Set(ctx, secretKey(key), value, 0).Err(); err != nil {
		return errors.Wrapf(err, "hostkv: put secret %s", key)
	}
	return nil
}

func (v *RedisVault) DeleteSecret(ctx context.Context, key string) error {
	if err := v.client.Del(ctx, secretKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "hostkv: delete secret %s", key)
	}
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type KeyType string

const (
	HANDOFF         KeyType = "handoff"
	QUEUE           KeyType = "queue"
	CONFERENCE      KeyType = "conf"
	CONFERENCE_WAIT KeyType = "confwait"
	CALL_INFO       KeyType = "astra:call:info"
)

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

var ErrKeyNotExist = redis.Nil

// RedisServiceInterface is the shared store used for cross-process call coordination.
// Every operation is atomic at single-key granularity.
type RedisServiceInterface interface {
	GenerateKey(keyType KeyType, identifier string) string

	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error
	// GetDelValue reads and deletes a key in one step; ErrKeyNotExist if absent or expired
	GetDelValue(ctx context.Context, key string) (string, error)
	DelValue(ctx context.Context, key string) error
	// DeleteKey returns whether this call removed the key
	DeleteKey(ctx context.Context, key string) (bool, error)

	// CreateHashIfAbsent writes fields only when key does not exist; true if this call created it
	CreateHashIfAbsent(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error)
	GetHash(ctx context.Context, key string) (map[string]string, error)

	PushBack(ctx context.Context, key string, value string) (int64, error)
	// PopFront returns ErrKeyNotExist when the list is empty
	PopFront(ctx context.Context, key string) (string, error)
	ListLength(ctx context.Context, key string) (int64, error)
	// ListPosition returns the 0-based index of value, or -1
	ListPosition(ctx context.Context, key string, value string) (int64, error)
	RemoveFromList(ctx context.Context, key string, value string) (int64, error)

	AddToSet(ctx context.Context, key string, member string) error
	RemoveFromSet(ctx context.Context, key string, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string, handler func(string)) error
}

type RedisService struct {
	client *redis.Client
}

var createHashIfAbsent = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 1 then
  return 0
end
redis.call('hset', KEYS[1], unpack(ARGV, 2))
if tonumber(ARGV[1]) > 0 then
  redis.call('pexpire', KEYS[1], ARGV[1])
end
return 1
`)

func NewRedisService(config *RedisConfig) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisService{
		client: client,
	}, nil
}

// GenerateKey generates a Redis key with the given key type and identifier
func (r *RedisService) GenerateKey(keyType KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

// GetValue gets a value from Redis by key
func (r *RedisService) GetValue(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetValue sets a value in Redis with TTL
func (r *RedisService) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) GetDelValue(ctx context.Context, key string) (string, error) {
	val, err := r.client.GetDel(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return val, nil
}

// DelValue deletes a value from Redis by key
func (r *RedisService) DelValue(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisService) DeleteKey(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisService) CreateHashIfAbsent(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	if len(fields) == 0 {
		return false, errors.New("create hash: no fields")
	}
	args := make([]interface{}, 0, 1+2*len(fields))
	args = append(args, ttl.Milliseconds())
	for k, v := range fields {
		args = append(args, k, v)
	}
	created, err := createHashIfAbsent.Run(ctx, r.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("create hash %s: %w", key, err)
	}
	return created == 1, nil
}

func (r *RedisService) GetHash(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *RedisService) PushBack(ctx context.Context, key string, value string) (int64, error) {
	return r.client.RPush(ctx, key, value).Result()
}

func (r *RedisService) PopFront(ctx context.Context, key string) (string, error) {
	return r.client.LPop(ctx, key).Result()
}

func (r *RedisService) ListLength(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, key).Result()
}

func (r *RedisService) ListPosition(ctx context.Context, key string, value string) (int64, error) {
	pos, err := r.client.LPos(ctx, key, value, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return pos, nil
}

func (r *RedisService) RemoveFromList(ctx context.Context, key string, value string) (int64, error) {
	return r.client.LRem(ctx, key, 0, value).Result()
}

func (r *RedisService) AddToSet(ctx context.Context, key string, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *RedisService) RemoveFromSet(ctx context.Context, key string, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *RedisService) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// Publish publishes a message to a Redis channel
func (r *RedisService) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a Redis channel and handles incoming messages until ctx is done
func (r *RedisService) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()

	return nil
}

// Close releases the underlying client
func (r *RedisService) Close() error {
	return r.client.Close()
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

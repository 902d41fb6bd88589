package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// RedisStorage 实现了 Storage 接口，使用 Redis 的 hash/list/set 保存数据。
type RedisStorage struct {
	client *redis.Client
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage 创建一个新的 RedisStorage 实例，不会立即建立连接。
func NewRedisStorage(addr, password string, db int) *RedisStorage {
	return &RedisStorage{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *RedisStorage) hget(ctx context.Context, key, field string) (*model.Proxy, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.Unmarshal(v)
}

func (r *RedisStorage) Proxies(ctx context.Context, pattern string) ([]*model.Proxy, error) {
	d, err := r.client.HGetAll(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	proxies := make([]*model.Proxy, 0, len(d))
	for _, v := range d {
		p, err := model.Unmarshal(v)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func (r *RedisStorage) Proxy(ctx context.Context, pattern, id string) (*model.Proxy, error) {
	return r.hget(ctx, pattern, id)
}

func (r *RedisStorage) PutProxy(ctx context.Context, pattern string, p *model.Proxy) error {
	v, err := p.Marshal()
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, pattern, p.String(), v).Err()
}

func (r *RedisStorage) PutProxyIfAbsent(ctx context.Context, pattern string, p *model.Proxy) (bool, error) {
	v, err := p.Marshal()
	if err != nil {
		return false, err
	}
	return r.client.HSetNX(ctx, pattern, p.String(), v).Result()
}

func (r *RedisStorage) DeleteProxy(ctx context.Context, pattern, id string) error {
	return r.client.HDel(ctx, pattern, id).Err()
}

func (r *RedisStorage) CountProxies(ctx context.Context, pattern string) (int, error) {
	n, err := r.client.HLen(ctx, pattern).Result()
	return int(n), err
}

func (r *RedisStorage) ClearProxies(ctx context.Context, pattern string) error {
	return r.client.Del(ctx, pattern).Err()
}

func (r *RedisStorage) FailedProxy(ctx context.Context, pattern, id string) (*model.Proxy, error) {
	return r.hget(ctx, FailKey(pattern), id)
}

func (r *RedisStorage) DeleteFailedProxy(ctx context.Context, pattern, id string) error {
	return r.client.HDel(ctx, FailKey(pattern), id).Err()
}

func (r *RedisStorage) Evict(ctx context.Context, pattern string, p *model.Proxy) error {
	v, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, pattern, p.String())
		pipe.HSet(ctx, FailKey(pattern), p.String(), v)
		return nil
	})
	return err
}

func (r *RedisStorage) Rules(ctx context.Context) (map[string]model.CheckRule, error) {
	d, err := r.client.HGetAll(ctx, RulesKey).Result()
	if err != nil {
		return nil, err
	}
	rules := make(map[string]model.CheckRule, len(d))
	for k, v := range d {
		var rule model.CheckRule
		if err := json.Unmarshal([]byte(v), &rule); err != nil {
			return nil, fmt.Errorf("invalid rule for pattern %s: %w", k, err)
		}
		rules[k] = rule
	}
	return rules, nil
}

func (r *RedisStorage) PutRule(ctx context.Context, pattern string, rule model.CheckRule) error {
	b, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, RulesKey, pattern, string(b)).Err()
}

func (r *RedisStorage) DeleteRule(ctx context.Context, pattern string) error {
	return r.client.HDel(ctx, RulesKey, pattern).Err()
}

func (r *RedisStorage) PushResult(ctx context.Context, key, sample string, max int) error {
	k := ResultKey(key)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, k, sample)
		pipe.LTrim(ctx, k, 0, int64(max-1))
		return nil
	})
	return err
}

func (r *RedisStorage) Results(ctx context.Context, key string, n int) ([]string, error) {
	return r.client.LRange(ctx, ResultKey(key), 0, int64(n-1)).Result()
}

func (r *RedisStorage) RandomCookie(ctx context.Context, pattern string) (string, bool, error) {
	v, err := r.client.SRandMember(ctx, CookiesKey(pattern)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStorage) AddCookies(ctx context.Context, pattern string, cookies ...string) error {
	if len(cookies) == 0 {
		return nil
	}
	members := make([]interface{}, len(cookies))
	for i, c := range cookies {
		members[i] = c
	}
	return r.client.SAdd(ctx, CookiesKey(pattern), members...).Err()
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

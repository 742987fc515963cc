package reference

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreOptions struct {
	// host:port 地址
	Endpoint string `cfg:"endpoint"`
	// 集群节点地址列表，Endpoint 为空时使用
	Endpoints []string `cfg:"endpoints"`
	Username  string   `cfg:"username"`
	Password  string   `cfg:"password"`
	DB        int      `cfg:"db" def:"0"`

	// 键前缀，同一个 redis 上的多个引用图用前缀隔离
	KeyPrefix string `cfg:"keyPrefix" def:"fieldflow:reference"`

	MaxRetries   int           `cfg:"maxRetries" def:"3"`
	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
	PoolSize     int           `cfg:"poolSize" def:"10"`
}

// RedisStore 用两组集合保存引用图，in:{to} 保存依赖的字段，out:{from} 保存被依赖的字段
// 写入立即生效，不参与数据库事务
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStoreWithOptions(options *RedisStoreOptions) (*RedisStore, error) {
	if options == nil {
		return nil, errors.New("redis store options is nil")
	}

	var client redis.Cmdable
	if options.Endpoint != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         options.Endpoint,
			Username:     options.Username,
			Password:     options.Password,
			DB:           options.DB,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
		})
	} else if len(options.Endpoints) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        options.Endpoints,
			Username:     options.Username,
			Password:     options.Password,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
		})
	} else {
		return nil, errors.Errorf("Endpoint or Endpoints must be set")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.WithMessage(err, "redis.client.Ping failed")
	}
	return NewRedisStore(client, options.KeyPrefix), nil
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fieldflow:reference"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) inKey(toID string) string    { return s.prefix + ":in:" + toID }
func (s *RedisStore) outKey(fromID string) string { return s.prefix + ":out:" + fromID }

func (s *RedisStore) Add(ctx context.Context, edges ...Edge) error {
	edges, err := normalize(edges)
	if err != nil || len(edges) == 0 {
		return err
	}
	return s.apply(ctx, edges, nil)
}

func (s *RedisStore) Delete(ctx context.Context, edges ...Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return s.apply(ctx, nil, edges)
}

func (s *RedisStore) DeleteTo(ctx context.Context, toIDs ...string) error {
	edges, err := s.Incoming(ctx, toIDs)
	if err != nil {
		return err
	}
	return s.apply(ctx, nil, edges)
}

func (s *RedisStore) DeleteFrom(ctx context.Context, fromIDs ...string) error {
	edges, err := s.Outgoing(ctx, fromIDs)
	if err != nil {
		return err
	}
	return s.apply(ctx, nil, edges)
}

func (s *RedisStore) Replace(ctx context.Context, toID string, fromIDs []string) error {
	for _, id := range fromIDs {
		if err := (Edge{FromFieldID: id, ToFieldID: toID}).validate(); err != nil {
			return err
		}
	}
	existing, err := s.Incoming(ctx, []string{toID})
	if err != nil {
		return err
	}
	added, removed := replaceDiff(toID, existing, fromIDs)
	return s.apply(ctx, added, removed)
}

// apply 在一个 MULTI/EXEC 中同时维护两组集合
func (s *RedisStore) apply(ctx context.Context, added []Edge, removed []Edge) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range removed {
			pipe.SRem(ctx, s.inKey(e.ToFieldID), e.FromFieldID)
			pipe.SRem(ctx, s.outKey(e.FromFieldID), e.ToFieldID)
		}
		for _, e := range added {
			pipe.SAdd(ctx, s.inKey(e.ToFieldID), e.FromFieldID)
			pipe.SAdd(ctx, s.outKey(e.FromFieldID), e.ToFieldID)
		}
		return nil
	})
	return errors.WithMessage(err, "redis.TxPipelined failed")
}

func (s *RedisStore) Outgoing(ctx context.Context, fromIDs []string) ([]Edge, error) {
	return s.members(ctx, fromIDs, s.outKey, func(id, member string) Edge {
		return Edge{FromFieldID: id, ToFieldID: member}
	})
}

func (s *RedisStore) Incoming(ctx context.Context, toIDs []string) ([]Edge, error) {
	return s.members(ctx, toIDs, s.inKey, func(id, member string) Edge {
		return Edge{FromFieldID: member, ToFieldID: id}
	})
}

func (s *RedisStore) members(ctx context.Context, ids []string, key func(string) string, edge func(id, member string) Edge) ([]Edge, error) {
	ids = distinctIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringSliceCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.SMembers(ctx, key(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "redis.Pipelined failed")
	}

	var result []Edge
	for i, id := range ids {
		for _, member := range cmds[i].Val() {
			result = append(result, edge(id, member))
		}
	}
	sortEdges(result)
	return result, nil
}

func distinctIDs(ids []string) []string {
	set := toSet(ids)
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	return result
}

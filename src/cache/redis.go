package cache

import (
	"encoding/json"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func NewRedisPool(address string, maxConnections int) *redis.Pool {
	return redis.NewPool(func() (redis.Conn, error) {
		c, err := redis.Dial("tcp", address)
		if err != nil {
			return nil, err
		}
		return c, err
	}, maxConnections)
}

type RedisStore struct {
	pool   *redis.Pool
	prefix string
}

func NewRedisStore(pool *redis.Pool, prefix string) *RedisStore {
	return &RedisStore{pool: pool, prefix: prefix}
}

// Ping checks that the redis server can be reached.
func (s *RedisStore) Ping() error {
	redisConn := s.pool.Get()
	defer redisConn.Close()

	_, err := redisConn.Do("PING")
	return err
}

func (s *RedisStore) Set(key string, value interface{}, ttl time.Duration) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal "+key)
	}

	redisConn := s.pool.Get()
	defer redisConn.Close()

	if ttl > 0 {
		seconds := int64(ttl / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		_, err = redisConn.Do("SETEX", s.prefix+key, seconds, serialized)
	} else {
		_, err = redisConn.Do("SET", s.prefix+key, serialized)
	}
	if err != nil {
		log.Debug("[Cache] Couldn't store ", key, ": ", err.Error())
		return errors.Wrap(err, "couldn't store "+key)
	}
	return nil
}

func (s *RedisStore) Get(key string, value interface{}) (bool, error) {
	redisConn := s.pool.Get()
	defer redisConn.Close()

	exists, err := redis.Bool(redisConn.Do("EXISTS", s.prefix+key))
	if err != nil {
		return false, errors.Wrap(err, "couldn't check "+key)
	}
	if !exists {
		return false, nil
	}

	data, err := redis.Bytes(redisConn.Do("GET", s.prefix+key))
	if err == redis.ErrNil { //expired between EXISTS and GET
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "couldn't get "+key)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return false, errors.Wrap(err, "couldn't unmarshal "+key)
	}
	return true, nil
}

func (s *RedisStore) Delete(key string) error {
	redisConn := s.pool.Get()
	defer redisConn.Close()

	_, err := redisConn.Do("DEL", s.prefix+key)
	return errors.Wrap(err, "couldn't delete "+key)
}

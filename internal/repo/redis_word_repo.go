package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 辞書APIの結果は変化しないので長めに保持
const wordCacheTTL = 30 * 24 * time.Hour

// RedisWordRepo は辞書検索結果をRedisにキャッシュします
type RedisWordRepo struct {
	rdb *redis.Client
}

func NewRedisWordRepo(rdb *redis.Client) *RedisWordRepo {
	return &RedisWordRepo{rdb: rdb}
}

func wordKey(word string) string {
	return fmt.Sprintf("word:%s", word)
}

func (r *RedisWordRepo) GetWord(ctx context.Context, word string) (CachedWord, bool, error) {
	val, err := r.rdb.Get(ctx, wordKey(word)).Bytes()
	if err == redis.Nil {
		return CachedWord{}, false, nil
	}
	if err != nil {
		return CachedWord{}, false, err
	}
	var entry CachedWord
	if err := json.Unmarshal(val, &entry); err != nil {
		return CachedWord{}, false, err
	}
	return entry, true, nil
}

func (r *RedisWordRepo) PutWord(ctx context.Context, word string, entry CachedWord) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, wordKey(word), b, wordCacheTTL).Err()
}

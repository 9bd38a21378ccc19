package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chosung-battle/api-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrRoomExists はCreateRoomでルームコードが衝突した場合に返します
var ErrRoomExists = errors.New("room already exists")

// RedisMirrorRepo はMirror StoreのRedis実装です
type RedisMirrorRepo struct{ rdb *redis.Client }

func NewRedisMirrorRepo(rdb *redis.Client) *RedisMirrorRepo {
	return &RedisMirrorRepo{rdb: rdb}
}

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}
func roomVerKey(id string) string {
	return fmt.Sprintf("rooms:%s:ver", id)
}

const (
	indexKey  = "rooms:index"  // 全ルームIDのset
	recentKey = "rooms:recent" // 最近作成されたルームのzset（score=createdAtミリ秒）

	recentMax = 20 // サイドインデックスに保持する最大件数
)

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (rr *RedisMirrorRepo) CreateRoom(ctx context.Context, doc models.RoomDoc, ttlSec int) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	d := sec(ttlSec)
	ok, err := rr.rdb.SetArgs(ctx, roomKey(doc.Id), b, redis.SetArgs{Mode: "NX", TTL: d}).Result()
	if err == redis.Nil { // NXで書けなかった=コード衝突
		return ErrRoomExists
	}
	if err != nil {
		return err
	}
	if ok != "OK" {
		return ErrRoomExists
	}
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, roomVerKey(doc.Id), doc.PlayersVersion, d)
	pipe.SAdd(ctx, indexKey, doc.Id)
	_, err = pipe.Exec(ctx)
	return err
}

func (rr *RedisMirrorRepo) GetRoom(ctx context.Context, roomId string) (models.RoomDoc, bool, error) {
	val, err := rr.rdb.Get(ctx, roomKey(roomId)).Bytes()
	if err == redis.Nil { // データがない
		return models.RoomDoc{}, false, nil
	}
	if err != nil {
		return models.RoomDoc{}, false, err
	}
	var doc models.RoomDoc
	if err := json.Unmarshal(val, &doc); err != nil {
		return models.RoomDoc{}, false, err
	}
	return doc, true, nil
}

// PutRoom はドキュメント全体を上書きします（last-writer-wins）
func (rr *RedisMirrorRepo) PutRoom(ctx context.Context, doc models.RoomDoc, ttlSec int) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	d := sec(ttlSec)
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(doc.Id), b, d)
	pipe.Set(ctx, roomVerKey(doc.Id), doc.PlayersVersion, d)
	pipe.SAdd(ctx, indexKey, doc.Id)
	_, err = pipe.Exec(ctx)
	return err
}

// casPutScript はバージョンキーが期待値のときだけドキュメントを書き込みます
// バージョンキー消失（TTL切れ等）の場合は0扱いで比較します
var casPutScript = redis.NewScript(`
	local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
	if cur ~= tonumber(ARGV[2]) then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[4])
	redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
	redis.call('SADD', KEYS[3], ARGV[5])
	return 1
`)

func (rr *RedisMirrorRepo) CompareAndPutRoom(ctx context.Context, doc models.RoomDoc, expectedVersion int64, ttlSec int) (bool, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	n, err := casPutScript.Run(ctx, rr.rdb,
		[]string{roomKey(doc.Id), roomVerKey(doc.Id), indexKey},
		b, expectedVersion, doc.PlayersVersion, ttlSec, doc.Id,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// deleteScript はルームに属するキーをアトミックに削除します
var deleteScript = redis.NewScript(`
	redis.call('DEL', KEYS[1], KEYS[2])
	redis.call('SREM', KEYS[3], ARGV[1])
	redis.call('ZREM', KEYS[4], ARGV[1])
	return 'OK'
`)

func (rr *RedisMirrorRepo) DeleteRoom(ctx context.Context, roomId string) error {
	return deleteScript.Run(ctx, rr.rdb,
		[]string{roomKey(roomId), roomVerKey(roomId), indexKey, recentKey},
		roomId,
	).Err()
}

func (rr *RedisMirrorRepo) ListRoomIDs(ctx context.Context) ([]string, error) {
	return rr.rdb.SMembers(ctx, indexKey).Result()
}

func (rr *RedisMirrorRepo) MarkRecent(ctx context.Context, roomId string, createdAt int64) error {
	pipe := rr.rdb.TxPipeline()
	pipe.ZAdd(ctx, recentKey, redis.Z{Score: float64(createdAt), Member: roomId})
	// 件数の上限を維持（古いものから落とす）
	pipe.ZRemRangeByRank(ctx, recentKey, 0, int64(-(recentMax + 1)))
	_, err := pipe.Exec(ctx)
	return err
}

func (rr *RedisMirrorRepo) RecentRoomIDs(ctx context.Context, since int64) ([]string, error) {
	return rr.rdb.ZRangeByScore(ctx, recentKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
}

func (rr *RedisMirrorRepo) UnmarkRecent(ctx context.Context, roomId string) error {
	return rr.rdb.ZRem(ctx, recentKey, roomId).Err()
}

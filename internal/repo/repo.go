package repo

import (
	"context"

	"github.com/chosung-battle/api-server/internal/models"
)

// MirrorRepo はルーム発見・ロビー表示用のMirror Storeへのアクセスを提供します
//
// 一貫性の契約: 読み取りは古いスナップショットである可能性があり、
// 直前の書き込みが次の読み取り/一覧に反映されている保証はありません。
// 書き込みはドキュメント全体の上書き（last-writer-wins）です。
// 作成直後のルームが一覧に現れない問題はRecentRoomIDsの併用で補います。
type MirrorRepo interface {
	CreateRoom(ctx context.Context, doc models.RoomDoc, ttlSec int) error
	GetRoom(ctx context.Context, roomId string) (models.RoomDoc, bool, error)
	PutRoom(ctx context.Context, doc models.RoomDoc, ttlSec int) error
	// CompareAndPutRoom はバージョンが一致した場合のみ書き込みます
	// 不一致（他の書き込みが先行）ならfalseを返します
	CompareAndPutRoom(ctx context.Context, doc models.RoomDoc, expectedVersion int64, ttlSec int) (bool, error)
	DeleteRoom(ctx context.Context, roomId string) error
	ListRoomIDs(ctx context.Context) ([]string, error)

	// 最近作成されたルームのサイドインデックス（一覧の結果整合性対策）
	MarkRecent(ctx context.Context, roomId string, createdAt int64) error
	RecentRoomIDs(ctx context.Context, since int64) ([]string, error)
	UnmarkRecent(ctx context.Context, roomId string) error
}

// WordCacheRepo は辞書検索結果のキャッシュを保存/取得するためのインターフェース
type WordCacheRepo interface {
	GetWord(ctx context.Context, word string) (CachedWord, bool, error)
	PutWord(ctx context.Context, word string, entry CachedWord) error
}

// CachedWord はキャッシュ済みの辞書エントリ
type CachedWord struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
	Pos        string `json:"pos,omitempty"`
}

// Package reconcile はMirror Store（結果整合）とRoom Actor（強整合）の
// 2つのロースターを突き合わせる照合レイヤーです
//
// 権威の規則:
//   - ターン制ゲームの進行中はアクターのロースターが正
//   - 待機室・終了後はMirrorのドキュメントが正（ただしplayersVersionで
//     Mirror側が古いと分かる場合はアクターを使う）
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/chosung-battle/api-server/internal/game"
	"github.com/chosung-battle/api-server/internal/models"
	"github.com/chosung-battle/api-server/internal/repo"
)

// View はGET game-stateが返す結合ビュー
// アクターのゲーム進行状態にMirrorのルームメタデータを重ねたもの
type View struct {
	game.RoomState
	Title            string `json:"title"`
	RoomNumber       int    `json:"roomNumber"`
	MaxPlayers       int    `json:"maxPlayers"`
	AcceptingPlayers bool   `json:"acceptingPlayers"`
}

// ActorIsRosterAuthority はアクターのロースターを正とすべき局面かどうか
func ActorIsRosterAuthority(s game.RoomState) bool {
	return s.GameMode == models.ModeTurn && s.GameStarted && s.EndTime == 0
}

// Combine はMirrorドキュメントとアクターのスナップショットから
// クライアント向けの結合ビューを組み立てます
func Combine(doc models.RoomDoc, s game.RoomState) View {
	v := View{
		RoomState:        s,
		Title:            doc.Title,
		RoomNumber:       doc.RoomNumber,
		MaxPlayers:       doc.MaxPlayers,
		AcceptingPlayers: doc.AcceptingPlayers,
	}
	if v.Id == "" {
		v.Id = doc.Id
	}
	if ActorIsRosterAuthority(s) {
		return v
	}

	// 待機室・終了後はMirrorが正。ただしアクターの方が新しい
	// （push未達・Mirror読み取りの遅延）場合はアクターを保持
	v.GameMode = doc.GameMode
	if doc.PlayersVersion >= s.PlayersVersion {
		v.Players = doc.Players
		if doc.HostId != "" {
			v.HostPlayerId = doc.HostId
		}
	}
	// 時間制のスコアはMirror側の書き込みが先行することがある
	if v.Scores == nil {
		v.Scores = map[string]int{}
	}
	for id, sc := range doc.Scores {
		if _, ok := v.Scores[id]; !ok {
			v.Scores[id] = sc
		}
	}
	return v
}

// Reconciler はアクター⇔Mirror間の同期操作を担います
type Reconciler struct {
	mirror repo.MirrorRepo
	ttlSec int
}

func New(mirror repo.MirrorRepo, ttlSec int) *Reconciler {
	return &Reconciler{mirror: mirror, ttlSec: ttlSec}
}

// PushRoster はアクターのロースター変更をMirrorに反映します
// バージョン比較付きの書き込みで、競合時は読み直して1回だけ再試行。
// 失敗はログに残すのみで呼び出し元には返しません（主操作は成功済み）
func (r *Reconciler) PushRoster(ctx context.Context, s game.RoomState) {
	doc, found, err := r.mirror.GetRoom(ctx, s.Id)
	if err != nil {
		log.Printf("reconcile: push read failed room=%s err=%v", s.Id, err)
		return
	}
	if !found {
		return // 既に削除されたルーム
	}
	for attempt := 0; attempt < 2; attempt++ {
		if doc.PlayersVersion > s.PlayersVersion {
			// Mirror側の方が新しい（後続のjoin/leaveが先に書いた）
			return
		}
		updated := applyRoster(doc, s)
		ok, err := r.mirror.CompareAndPutRoom(ctx, updated, doc.PlayersVersion, r.ttlSec)
		if err != nil {
			log.Printf("reconcile: push write failed room=%s err=%v", s.Id, err)
			return
		}
		if ok {
			return
		}
		doc, found, err = r.mirror.GetRoom(ctx, s.Id)
		if err != nil || !found {
			return
		}
	}
	log.Printf("reconcile: push gave up after retry room=%s version=%d", s.Id, s.PlayersVersion)
}

// applyRoster はアクターのロースターをドキュメントに重ね、
// 去ったプレイヤーの付随エントリを刈り取ります
func applyRoster(doc models.RoomDoc, s game.RoomState) models.RoomDoc {
	doc.Players = s.Players
	doc.GameStarted = s.GameStarted
	doc.RoundNumber = s.RoundNumber
	if s.HostPlayerId != "" {
		doc.HostId = s.HostPlayerId
	}
	doc.PlayersVersion = s.PlayersVersion
	doc.LastPlayersUpdate = s.LastPlayersUpdate

	member := make(map[string]bool, len(s.Players))
	for _, p := range s.Players {
		member[p.Id] = true
	}
	for id := range doc.Scores {
		if !member[id] {
			delete(doc.Scores, id)
		}
	}
	for id := range doc.PlayerWords {
		if !member[id] {
			delete(doc.PlayerWords, id)
		}
	}
	for id := range doc.LastSeen {
		if !member[id] {
			delete(doc.LastSeen, id)
		}
	}
	return doc
}

// SyncOnJoin は（再）入室時にMirrorのロースターをアクターへ伝えます
// ゲーム進行中に合流したプレイヤーは今ラウンドの参加者にはならず、
// 脱落記録に載せて観戦扱いにします
func (r *Reconciler) SyncOnJoin(actor *game.Actor, doc models.RoomDoc, playerId string) {
	s, _ := actor.SyncPlayers(doc.Players)
	if !s.GameStarted || s.EndTime != 0 {
		return
	}
	if _, participant := s.PlayerLives[playerId]; !participant {
		actor.PlayerRejoin(playerId)
	}
}

// TouchLastSeen はプレイヤーの生存時刻を非同期で更新します
// ポーリングのたびに呼ばれるためリクエストをブロックしません。
// ロースターが並行して変わっていた場合は書き込みを放棄します
func (r *Reconciler) TouchLastSeen(roomId, playerId string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		doc, found, err := r.mirror.GetRoom(ctx, roomId)
		if err != nil || !found {
			return
		}
		if doc.FindPlayer(playerId) == -1 {
			return
		}
		if doc.LastSeen == nil {
			doc.LastSeen = map[string]int64{}
		}
		doc.LastSeen[playerId] = time.Now().UnixMilli()
		if _, err := r.mirror.CompareAndPutRoom(ctx, doc, doc.PlayersVersion, r.ttlSec); err != nil {
			log.Printf("reconcile: lastSeen update failed room=%s player=%s err=%v", roomId, playerId, err)
		}
	}()
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosung-battle/api-server/internal/game"
	"github.com/chosung-battle/api-server/internal/models"
	"github.com/chosung-battle/api-server/internal/reconcile"
)

func newService(mirror *fakeMirror, codes ...string) (*RoomService, *game.Manager) {
	actors := game.NewManager()
	rec := reconcile.New(mirror, 3600)
	svc := NewRoomService(mirror, actors, rec, &seqCodeGen{codes: codes}, 3600)
	return svc, actors
}

func seedRoom(mirror *fakeMirror, id string, mode models.GameMode, ids ...string) models.RoomDoc {
	now := time.Now().UnixMilli()
	players := make([]models.Player, 0, len(ids))
	scores := map[string]int{}
	seen := map[string]int64{}
	for i, pid := range ids {
		players = append(players, models.Player{Id: pid, Name: "p" + pid, JoinedAt: now + int64(i)})
		scores[pid] = 0
		seen[pid] = now
	}
	doc := models.RoomDoc{
		Id:               id,
		RoomNumber:       1,
		CreatedAt:        now,
		Title:            "테스트",
		GameMode:         mode,
		Players:          players,
		MaxPlayers:       5,
		AcceptingPlayers: true,
		Scores:           scores,
		LastSeen:         seen,
		PlayersVersion:   1,
	}
	if len(ids) > 0 {
		doc.HostId = ids[0]
	}
	mirror.seed(doc)
	return doc
}

func TestCreateRoomSeedsDocument(t *testing.T) {
	mirror := newFakeMirror()
	svc, _ := newService(mirror, "AB23")

	res, err := svc.CreateRoom(context.Background(), CreateRoomInput{
		Title: "초성전", GameMode: "turn", PlayerId: "host", PlayerName: "호스트",
	})
	require.NoError(t, err)
	assert.Equal(t, "AB23", res.RoomId)
	assert.Equal(t, 1, res.RoomNumber)

	doc, ok := mirror.get("AB23")
	require.True(t, ok)
	assert.Equal(t, models.ModeTurn, doc.GameMode)
	require.Len(t, doc.Players, 1)
	assert.Equal(t, "host", doc.Players[0].Id)
	assert.Equal(t, "host", doc.HostId)
	assert.Equal(t, 0, doc.Scores["host"])
	assert.NotZero(t, doc.LastSeen["host"])
	assert.Equal(t, 5, doc.MaxPlayers)
	assert.True(t, doc.AcceptingPlayers)
	assert.Contains(t, mirror.recent, "AB23", "作成直後インデックスに登録される")
}

func TestCreateRoomGeneratesHostIdAndTitle(t *testing.T) {
	mirror := newFakeMirror()
	svc, _ := newService(mirror, "CD45")

	_, err := svc.CreateRoom(context.Background(), CreateRoomInput{GameMode: "time"})
	require.NoError(t, err)

	doc, _ := mirror.get("CD45")
	assert.NotEmpty(t, doc.HostId, "playerId未指定ならホストIDを生成")
	assert.NotEmpty(t, doc.Title, "タイトル未指定なら既定リストから選ぶ")
}

func TestCreateRoomRetriesOnCodeCollision(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "AB23", models.ModeTime, "x")
	svc, _ := newService(mirror, "AB23", "EF67")

	res, err := svc.CreateRoom(context.Background(), CreateRoomInput{GameMode: "time", PlayerId: "h"})
	require.NoError(t, err)
	assert.Equal(t, "EF67", res.RoomId)
}

func TestCreateRoomPicksLowestUnusedNumber(t *testing.T) {
	mirror := newFakeMirror()
	doc := seedRoom(mirror, "R111", models.ModeTime, "a")
	doc.RoomNumber = 1
	mirror.seed(doc)
	doc2 := seedRoom(mirror, "R333", models.ModeTime, "b")
	doc2.RoomNumber = 3
	mirror.seed(doc2)

	svc, _ := newService(mirror, "GH89")
	res, err := svc.CreateRoom(context.Background(), CreateRoomInput{GameMode: "time", PlayerId: "h"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RoomNumber, "1時間以内のルームで未使用の最小番号")
}

func TestJoinRoomErrors(t *testing.T) {
	mirror := newFakeMirror()
	svc, _ := newService(mirror)
	ctx := context.Background()

	_, err := svc.JoinRoom(ctx, "NONE", "p1", "이름")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	seedRoom(mirror, "EMPT", models.ModeTime)
	_, err = svc.JoinRoom(ctx, "EMPT", "p1", "이름")
	assert.ErrorIs(t, err, ErrRoomClosed)

	seedRoom(mirror, "FULL", models.ModeTime, "a", "b", "c", "d", "e")
	_, err = svc.JoinRoom(ctx, "FULL", "p6", "이름")
	assert.ErrorIs(t, err, ErrRoomFull)

	seedRoom(mirror, "DUPE", models.ModeTime, "a")
	_, err = svc.JoinRoom(ctx, "DUPE", "p2", "PA") // 大文字小文字を無視して比較
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestJoinRoomAddsMemberAndBumpsVersion(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a")
	svc, _ := newService(mirror)

	doc, err := svc.JoinRoom(context.Background(), "ROOM", "b", "새친구")
	require.NoError(t, err)
	assert.Len(t, doc.Players, 2)
	assert.Equal(t, int64(2), doc.PlayersVersion)
	assert.Equal(t, 0, doc.Scores["b"])
	assert.NotZero(t, doc.LastSeen["b"])
}

func TestJoinRoomExistingMemberRefreshOnly(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a", "b")
	svc, _ := newService(mirror)

	doc, err := svc.JoinRoom(context.Background(), "ROOM", "b", "새이름")
	require.NoError(t, err)
	assert.Len(t, doc.Players, 2)
	assert.Equal(t, "새이름", doc.Players[1].Name)
	assert.Equal(t, int64(1), doc.PlayersVersion, "既存メンバーの再入室ではバージョンを上げない")
}

func TestJoinRoomRetriesOnCASConflict(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a")
	mirror.casConflicts = 1
	svc, _ := newService(mirror)

	doc, err := svc.JoinRoom(context.Background(), "ROOM", "b", "이름")
	require.NoError(t, err)
	assert.Len(t, doc.Players, 2)
}

func TestJoinRoomMidGameBecomesSpectator(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b")
	svc, actors := newService(mirror)

	// ゲームを開始してアクターを作る
	_, err := svc.ApplyAction(context.Background(), "ROOM", ActionRequest{Action: "start_game", GameMode: "turn"})
	require.NoError(t, err)

	_, err = svc.JoinRoom(context.Background(), "ROOM", "c", "관전자")
	require.NoError(t, err)

	a, ok := actors.Get("ROOM")
	require.True(t, ok)
	s := a.Snapshot()
	assert.NotNil(t, s.FindPlayer("c"))
	assert.Contains(t, s.EliminatedPlayers, "c", "進行中ラウンドには入れない")
}

func TestLeaveRoomHostSuccession(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a", "b", "c")
	svc, _ := newService(mirror)

	res, err := svc.LeaveRoom(context.Background(), "ROOM", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingPlayers)
	assert.Equal(t, "b", res.NewHostId)

	doc, _ := mirror.get("ROOM")
	assert.Equal(t, "b", doc.HostId)
	_, hasScore := doc.Scores["a"]
	assert.False(t, hasScore)
}

func TestLeaveRoomDeletesWhenTimeModeEmpty(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a")
	svc, _ := newService(mirror)

	res, err := svc.LeaveRoom(context.Background(), "ROOM", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemainingPlayers)
	_, ok := mirror.get("ROOM")
	assert.False(t, ok, "0人になった時間制ルームは削除")
}

func TestLeaveRoomDeletesTurnRoomWithOneLeft(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b")
	svc, actors := newService(mirror)
	actors.GetOrCreate("ROOM")

	res, err := svc.LeaveRoom(context.Background(), "ROOM", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemainingPlayers)
	_, ok := mirror.get("ROOM")
	assert.False(t, ok, "残り1人のターン制ルームは削除")
	_, ok = actors.Get("ROOM")
	assert.False(t, ok, "アクターも破棄")
}

func TestLeaveRoomDuringTurnGameUsesActorResult(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b", "c")
	svc, actors := newService(mirror)

	_, err := svc.ApplyAction(context.Background(), "ROOM", ActionRequest{Action: "start_game", GameMode: "turn"})
	require.NoError(t, err)

	res, err := svc.LeaveRoom(context.Background(), "ROOM", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingPlayers)
	assert.Equal(t, "b", res.NewHostId)

	a, _ := actors.Get("ROOM")
	s := a.Snapshot()
	assert.Nil(t, s.FindPlayer("a"))
	assert.Equal(t, "b", s.CurrentTurnPlayerId, "手番は次のプレイヤーへ")
}

func TestGameStateNotFound(t *testing.T) {
	mirror := newFakeMirror()
	svc, _ := newService(mirror)
	_, err := svc.GameState(context.Background(), "NONE", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestGameStateCombinesLobbyView(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b")
	svc, _ := newService(mirror)

	v, err := svc.GameState(context.Background(), "ROOM", "a")
	require.NoError(t, err)
	assert.Equal(t, "테스트", v.Title)
	assert.Len(t, v.Players, 2, "待機室ではMirrorのロースター")
	assert.False(t, v.GameStarted)
}

func TestGameStateWatchdogAppliesTimeout(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b", "c")
	svc, _ := newService(mirror)

	_, err := svc.ApplyAction(context.Background(), "ROOM", ActionRequest{Action: "start_game", GameMode: "turn"})
	require.NoError(t, err)

	// 最初のターンの制限+猶予を超えた時刻に進める
	svc.now = func() time.Time {
		return time.Now().Add(time.Duration(game.FirstTurnLimitSec+game.TimeoutGraceSec+1) * time.Second)
	}
	v, err := svc.GameState(context.Background(), "ROOM", "")
	require.NoError(t, err)
	assert.Contains(t, v.EliminatedPlayers, "a", "ウォッチドッグが時間切れを適用")
	assert.Equal(t, "b", v.CurrentTurnPlayerId)
}

func TestApplyActionStartGameSyncsMirror(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b")
	svc, _ := newService(mirror)

	res, err := svc.ApplyAction(context.Background(), "ROOM", ActionRequest{
		Action: "start_game", GameMode: "turn", Consonants: []string{"ㄱ", "ㄴ"},
	})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Applied)
	assert.True(t, res.State.GameStarted)
	assert.Equal(t, "a", res.State.CurrentTurnPlayerId)

	doc, _ := mirror.get("ROOM")
	assert.True(t, doc.GameStarted, "Mirror側の粗い状態も追従")
	assert.Equal(t, 1, doc.RoundNumber)
}

func TestApplyActionSubmitWordFlow(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b")
	svc, _ := newService(mirror)
	ctx := context.Background()

	_, err := svc.ApplyAction(ctx, "ROOM", ActionRequest{Action: "start_game", GameMode: "turn"})
	require.NoError(t, err)

	res, err := svc.ApplyAction(ctx, "ROOM", ActionRequest{
		Action: "submit_word", PlayerId: "a", Word: "사과", IsValid: true, WordLength: 2,
	})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Applied)
	assert.Equal(t, "b", res.State.CurrentTurnPlayerId)

	// 手番違いはエラーではなく無変更+理由
	res, err = svc.ApplyAction(ctx, "ROOM", ActionRequest{
		Action: "submit_word", PlayerId: "a", Word: "바나나", IsValid: true, WordLength: 3,
	})
	require.NoError(t, err)
	assert.False(t, res.Outcome.Applied)
	assert.Equal(t, game.ReasonNotYourTurn, res.Outcome.Reason)
}

func TestApplyActionUnknown(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a")
	svc, _ := newService(mirror)

	_, err := svc.ApplyAction(context.Background(), "ROOM", ActionRequest{Action: "explode"})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestApplyActionScoreUpdate(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a")
	svc, _ := newService(mirror)

	score := 12
	res, err := svc.ApplyAction(context.Background(), "ROOM", ActionRequest{
		PlayerId: "a", Score: &score, Words: []string{"사과", "바나나"},
	})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Applied)

	doc, _ := mirror.get("ROOM")
	assert.Equal(t, 12, doc.Scores["a"])
	assert.Equal(t, []string{"사과", "바나나"}, doc.PlayerWords["a"])
	assert.Equal(t, 12, doc.Players[0].Score)
}

func TestChatFlow(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTime, "a")
	svc, _ := newService(mirror)
	ctx := context.Background()

	msg, err := svc.PostChat(ctx, "ROOM", "a", "pa", "안녕하세요")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Id)

	msgs, err := svc.ChatLog(ctx, "ROOM")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "안녕하세요", msgs[0].Message)

	_, err = svc.PostChat(ctx, "ROOM", "a", "pa", "  ")
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestListRoomsFiltersAndSorts(t *testing.T) {
	mirror := newFakeMirror()
	svc, _ := newService(mirror)
	now := time.Now().UnixMilli()

	older := seedRoom(mirror, "OLD1", models.ModeTime, "a")
	older.CreatedAt = now - 10_000
	mirror.seed(older)

	seedRoom(mirror, "NEW1", models.ModeTime, "b")

	expired := seedRoom(mirror, "EXPD", models.ModeTime, "c")
	expired.CreatedAt = now - 2*time.Hour.Milliseconds()
	mirror.seed(expired)

	seedRoom(mirror, "EMPT", models.ModeTime)

	rooms, err := svc.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2, "期限切れ・空ルームは出ない")
	assert.Equal(t, "NEW1", rooms[0].Id, "新しい順")
	assert.Equal(t, "OLD1", rooms[1].Id)
	assert.Empty(t, rooms[0].Players, "一覧では詳細ロースターを返さない")
}

func TestListRoomsFiltersStaleLobbyPlayers(t *testing.T) {
	mirror := newFakeMirror()
	doc := seedRoom(mirror, "ROOM", models.ModeTime, "a", "b")
	doc.LastSeen["b"] = time.Now().UnixMilli() - 60_000 // 1分前から音信不通
	mirror.seed(doc)

	svc, _ := newService(mirror)
	rooms, err := svc.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].PlayerCount, "生存時刻が古いプレイヤーは数えない")
}

func TestListRoomsUsesActorCountDuringTurnGame(t *testing.T) {
	mirror := newFakeMirror()
	seedRoom(mirror, "ROOM", models.ModeTurn, "a", "b", "c")
	svc, _ := newService(mirror)
	ctx := context.Background()

	_, err := svc.ApplyAction(ctx, "ROOM", ActionRequest{Action: "start_game", GameMode: "turn"})
	require.NoError(t, err)
	_, err = svc.ApplyAction(ctx, "ROOM", ActionRequest{Action: "force_eliminate", PlayerId: "c"})
	require.NoError(t, err)

	rooms, err := svc.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].PlayerCount, "ゲーム中はアクターのロースターで数える")
}

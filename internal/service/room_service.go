// Package service はリクエストオーケストレーターです
// Mirror Store（結果整合）とRoom Actor（強整合）への操作を振り分け、
// 照合レイヤーを介して両者のロースターを同期させます
package service

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chosung-battle/api-server/internal/game"
	"github.com/chosung-battle/api-server/internal/idgen"
	"github.com/chosung-battle/api-server/internal/models"
	"github.com/chosung-battle/api-server/internal/reconcile"
	"github.com/chosung-battle/api-server/internal/repo"
)

const (
	defaultMaxPlayers = 5
	roomLifetime      = time.Hour        // これより古いルームは一覧に出さない
	recentWindow      = time.Minute      // 作成直後ルームのサイドインデックス参照窓
	staleSeenAfter    = 5 * time.Second  // 待機室でのプレイヤー生存判定窓
	defaultPlayerName = "플레이어"
)

// タイトル未指定時にランダムに選ぶ既定タイトル
var defaultTitles = []string{
	"즐거운 초성게임",
	"초성 고수만 오세요",
	"같이 한 판 해요",
	"초보 환영",
	"초성 퀴즈 한마당",
}

// CodeGenerator はルームコードを生成するインターフェース
type CodeGenerator interface {
	New() (string, error)
}

type roomCodeGen struct{}

func (roomCodeGen) New() (string, error) { return idgen.NewRoomCode() }

// NewRoomCodeGenerator は新しいCodeGeneratorを作成します
func NewRoomCodeGenerator() CodeGenerator {
	return roomCodeGen{}
}

// RoomService はルーム管理のオーケストレーションを提供します
type RoomService struct {
	mirror  repo.MirrorRepo
	actors  *game.Manager
	rec     *reconcile.Reconciler
	codegen CodeGenerator
	ttlSec  int
	now     func() time.Time
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(mirror repo.MirrorRepo, actors *game.Manager, rec *reconcile.Reconciler, codegen CodeGenerator, ttlSec int) *RoomService {
	return &RoomService{
		mirror:  mirror,
		actors:  actors,
		rec:     rec,
		codegen: codegen,
		ttlSec:  ttlSec,
		now:     time.Now,
	}
}

// actorFor はルームのアクターを取得し、ロースター変更の
// Mirror反映コールバックを確実に結線します
func (s *RoomService) actorFor(roomId string) *game.Actor {
	a := s.actors.GetOrCreate(roomId)
	a.OnRosterChange(func(st game.RoomState) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.rec.PushRoster(ctx, st)
	})
	return a
}

// CreateRoomInput はルーム作成の入力
type CreateRoomInput struct {
	Title      string
	GameMode   string
	PlayerId   string
	PlayerName string
}

// CreateRoomResult はルーム作成の結果
type CreateRoomResult struct {
	RoomId     string `json:"roomId"`
	RoomNumber int    `json:"roomNumber"`
}

// CreateRoom は新しいルームを作成します
// 処理の流れ:
// 1. ルーム番号を採番（1時間以内のルームで未使用の最小値）
// 2. 4文字のルームコードを生成（衝突時は最大10回リトライ）
// 3. ホストをplayers[0]としたドキュメントをMirrorに保存
// 4. 作成直後ルームのサイドインデックスに登録（一覧の結果整合性対策）
func (s *RoomService) CreateRoom(ctx context.Context, in CreateRoomInput) (CreateRoomResult, error) {
	const maxRetries = 10 // コード生成の最大リトライ回数

	now := s.now().UnixMilli()
	hostId := in.PlayerId
	if hostId == "" {
		hostId = uuid.NewString()
	}
	hostName := strings.TrimSpace(in.PlayerName)
	if hostName == "" {
		hostName = defaultPlayerName
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitles[rand.IntN(len(defaultTitles))]
	}

	roomNumber, err := s.nextRoomNumber(ctx, now)
	if err != nil {
		return CreateRoomResult{}, err
	}

	for i := 0; i < maxRetries; i++ {
		code, err := s.codegen.New()
		if err != nil {
			return CreateRoomResult{}, err
		}
		doc := models.RoomDoc{
			Id:               code,
			RoomNumber:       roomNumber,
			CreatedAt:        now,
			Title:            title,
			GameMode:         models.ParseGameMode(in.GameMode),
			Players:          []models.Player{{Id: hostId, Name: hostName, JoinedAt: now}},
			MaxPlayers:       defaultMaxPlayers,
			AcceptingPlayers: true,
			Scores:           map[string]int{hostId: 0},
			HostId:           hostId,
			LastSeen:         map[string]int64{hostId: now},
		}
		err = s.mirror.CreateRoom(ctx, doc, s.ttlSec)
		if errors.Is(err, repo.ErrRoomExists) {
			// コード被り、次の試行へ
			continue
		}
		if err != nil {
			return CreateRoomResult{}, err
		}
		if err := s.mirror.MarkRecent(ctx, code, now); err != nil {
			log.Printf("service: mark recent failed room=%s err=%v", code, err)
		}
		return CreateRoomResult{RoomId: code, RoomNumber: roomNumber}, nil
	}
	return CreateRoomResult{}, ErrRoomIDGenerationFailed
}

// nextRoomNumber は1時間以内に作られたルームの中で
// 使われていない最小のルーム番号を返します
func (s *RoomService) nextRoomNumber(ctx context.Context, now int64) (int, error) {
	ids, err := s.mirror.ListRoomIDs(ctx)
	if err != nil {
		return 0, err
	}
	used := map[int]bool{}
	for _, id := range ids {
		doc, found, err := s.mirror.GetRoom(ctx, id)
		if err != nil || !found {
			continue
		}
		if now-doc.CreatedAt < roomLifetime.Milliseconds() {
			used[doc.RoomNumber] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return n, nil
}

// JoinRoom はプレイヤーをルームに参加させます
// 既存メンバーの再入室（ページ更新等）は表示名とlastSeenの更新のみ。
// Mirrorへの書き込みはバージョン比較付きで、競合時は読み直して1回再試行します
func (s *RoomService) JoinRoom(ctx context.Context, roomId, playerId, playerName string) (models.RoomDoc, error) {
	if roomId == "" || playerId == "" {
		return models.RoomDoc{}, ErrInvalidParams
	}

	for attempt := 0; attempt < 2; attempt++ {
		doc, found, err := s.mirror.GetRoom(ctx, roomId)
		if err != nil {
			return models.RoomDoc{}, err
		}
		if !found {
			return models.RoomDoc{}, ErrRoomNotFound
		}
		if len(doc.Players) == 0 {
			// 全員去ったルームには入れない
			return models.RoomDoc{}, ErrRoomClosed
		}
		now := s.now().UnixMilli()
		expected := doc.PlayersVersion

		if idx := doc.FindPlayer(playerId); idx >= 0 {
			// 既存メンバーの再入室
			if name := strings.TrimSpace(playerName); name != "" {
				doc.Players[idx].Name = name
			}
			doc.Players[idx].JoinedAt = now
			touchLastSeen(&doc, playerId, now)
		} else {
			maxP := doc.MaxPlayers
			if maxP <= 0 {
				maxP = defaultMaxPlayers
			}
			if len(doc.Players) >= maxP {
				return models.RoomDoc{}, ErrRoomFull
			}
			name := strings.TrimSpace(playerName)
			if name == "" {
				name = defaultPlayerName
			}
			for _, p := range doc.Players {
				if strings.EqualFold(p.Name, name) && p.Id != playerId {
					return models.RoomDoc{}, ErrDuplicateName
				}
			}
			doc.Players = append(doc.Players, models.Player{Id: playerId, Name: name, JoinedAt: now})
			if doc.Scores == nil {
				doc.Scores = map[string]int{}
			}
			doc.Scores[playerId] = 0
			touchLastSeen(&doc, playerId, now)
			doc.PlayersVersion++
			doc.LastPlayersUpdate = now
		}

		ok, err := s.mirror.CompareAndPutRoom(ctx, doc, expected, s.ttlSec)
		if err != nil {
			return models.RoomDoc{}, err
		}
		if !ok {
			// 並行書き込みに負けた。読み直して再試行
			continue
		}
		if doc.GameMode == models.ModeTurn {
			if a, exists := s.actors.Get(roomId); exists {
				s.rec.SyncOnJoin(a, doc, playerId)
			}
		}
		return doc, nil
	}
	return models.RoomDoc{}, ErrConflict
}

func touchLastSeen(doc *models.RoomDoc, playerId string, now int64) {
	if doc.LastSeen == nil {
		doc.LastSeen = map[string]int64{}
	}
	doc.LastSeen[playerId] = now
}

// LeaveResult は退室処理の結果
type LeaveResult struct {
	RemainingPlayers int    `json:"remainingPlayers"`
	NewHostId        string `json:"newHostId,omitempty"`
}

// LeaveRoom はプレイヤーを退室させます
// ターン制ではアクターにremove_playerを先に適用し、その結果の
// ロースター/ホストを正とします。残メンバーがターン制で1人以下、
// 時間制で0人になったらルームごと削除します
func (s *RoomService) LeaveRoom(ctx context.Context, roomId, playerId string) (LeaveResult, error) {
	if roomId == "" || playerId == "" {
		return LeaveResult{}, ErrInvalidParams
	}
	doc, found, err := s.mirror.GetRoom(ctx, roomId)
	if err != nil {
		return LeaveResult{}, err
	}
	if !found {
		return LeaveResult{}, ErrRoomNotFound
	}
	now := s.now().UnixMilli()
	prevHost := doc.HostId

	kept := make([]models.Player, 0, len(doc.Players))
	for _, p := range doc.Players {
		if p.Id != playerId {
			kept = append(kept, p)
		}
	}
	doc.Players = kept
	delete(doc.Scores, playerId)
	delete(doc.PlayerWords, playerId)
	delete(doc.LastSeen, playerId)
	doc.PlayersVersion++
	doc.LastPlayersUpdate = now

	adopted := false
	if doc.GameMode == models.ModeTurn {
		if a, exists := s.actors.Get(roomId); exists {
			st, out := a.RemovePlayer(playerId)
			if out.Applied {
				// アクターの結果を正とする（ホスト承継・終了判定込み）
				doc.Players = st.Players
				doc.GameStarted = st.GameStarted
				if st.HostPlayerId != "" {
					doc.HostId = st.HostPlayerId
				}
				doc.PlayersVersion = st.PlayersVersion
				doc.LastPlayersUpdate = st.LastPlayersUpdate
				adopted = true
			}
		}
	}
	if !adopted && doc.HostId == playerId && len(doc.Players) > 0 {
		doc.HostId = doc.Players[0].Id
	}

	// ルーム削除の判定: ターン制は1人以下、時間制は0人
	remaining := len(doc.Players)
	shouldDelete := remaining == 0
	if doc.GameMode == models.ModeTurn && remaining <= 1 {
		shouldDelete = true
	}
	if shouldDelete {
		if err := s.mirror.DeleteRoom(ctx, roomId); err != nil {
			return LeaveResult{}, err
		}
		s.actors.Remove(roomId)
		return LeaveResult{RemainingPlayers: 0}, nil
	}

	if err := s.mirror.PutRoom(ctx, doc, s.ttlSec); err != nil {
		return LeaveResult{}, err
	}
	res := LeaveResult{RemainingPlayers: remaining}
	if doc.HostId != prevHost {
		res.NewHostId = doc.HostId
	}
	return res, nil
}

// GameState は照合済みの結合ビューを返します
// ターン制のゲーム進行中はサーバー側ウォッチドッグとして、
// 制限時間+猶予を超過した手番にturn_timeoutを適用してから応答します
func (s *RoomService) GameState(ctx context.Context, roomId, playerId string) (reconcile.View, error) {
	if roomId == "" {
		return reconcile.View{}, ErrInvalidParams
	}
	doc, found, err := s.mirror.GetRoom(ctx, roomId)
	if err != nil {
		return reconcile.View{}, err
	}
	if !found {
		return reconcile.View{}, ErrRoomNotFound
	}
	if playerId != "" {
		// 生存時刻の更新は応答をブロックしない
		s.rec.TouchLastSeen(roomId, playerId)
	}

	a := s.actorFor(roomId)
	snap := a.Snapshot()
	if snap.TurnDeadlineExceeded(s.now().UnixMilli()) {
		log.Printf("service: turn watchdog fired room=%s player=%s", roomId, snap.CurrentTurnPlayerId)
		snap, _ = a.TurnTimeout(snap.CurrentTurnPlayerId)
	}
	return reconcile.Combine(doc, snap), nil
}

// ActionRequest はPOST game-stateの入力
type ActionRequest struct {
	Action       string          `json:"action"`
	PlayerId     string          `json:"playerId"`
	PlayerName   string          `json:"playerName"`
	Word         string          `json:"word"`
	IsValid      bool            `json:"isValid"`
	WordLength   int             `json:"wordLength"`
	HasSpecial   bool            `json:"hasSpecialChar"`
	GameMode     string          `json:"gameMode"`
	Consonants   []string        `json:"consonants"`
	Players      []models.Player `json:"players"`
	HostPlayerId string          `json:"hostPlayerId"`
	Score        *int            `json:"score"`
	Words        []string        `json:"words"`
	ChatMessage  string          `json:"chatMessage"`
}

// ActionResult はアクション適用の結果
type ActionResult struct {
	Outcome game.Outcome
	State   reconcile.View
}

// ApplyAction はゲームアクションをアクターに適用します
// アクターが先、Mirrorの粗い状態（gameStarted等）は後から
// ベストエフォートで追従させます
func (s *RoomService) ApplyAction(ctx context.Context, roomId string, req ActionRequest) (ActionResult, error) {
	if roomId == "" {
		return ActionResult{}, ErrInvalidParams
	}
	doc, found, err := s.mirror.GetRoom(ctx, roomId)
	if err != nil {
		return ActionResult{}, err
	}
	if !found {
		return ActionResult{}, ErrRoomNotFound
	}

	a := s.actorFor(roomId)
	var st game.RoomState
	var out game.Outcome

	switch req.Action {
	case "start_game":
		st, out = a.StartGame(startParams(req, doc))
		s.mirrorGameStarted(ctx, doc, st, false)
	case "new_game":
		st, out = a.NewGame(startParams(req, doc))
		s.mirrorGameStarted(ctx, doc, st, true)
	case "end_game":
		st, out = a.EndGame()
		doc.GameStarted = false
		s.putBestEffort(ctx, doc)
	case "submit_word":
		if req.PlayerId == "" || strings.TrimSpace(req.Word) == "" {
			return ActionResult{}, ErrInvalidParams
		}
		st, out = a.SubmitWord(req.PlayerId, req.Word, req.IsValid, req.WordLength, req.HasSpecial)
	case "turn_timeout":
		st, out = a.TurnTimeout(req.PlayerId)
	case "force_eliminate":
		st, out = a.ForceEliminate(req.PlayerId)
	case "remove_player":
		st, out = a.RemovePlayer(req.PlayerId)
	case "player_rejoin":
		st, out = a.PlayerRejoin(req.PlayerId)
	case "sync_players":
		st, out = a.SyncPlayers(req.Players)
	case "update_host":
		st, out = a.UpdateHost(req.HostPlayerId)
	case "":
		switch {
		case req.ChatMessage != "":
			if req.PlayerId == "" || req.PlayerName == "" {
				return ActionResult{}, ErrInvalidParams
			}
			msg := models.ChatMessage{
				Id:         idgen.NewULID(),
				PlayerId:   req.PlayerId,
				PlayerName: req.PlayerName,
				Message:    req.ChatMessage,
				Timestamp:  s.now().UnixMilli(),
			}
			st, out = a.AppendChat(msg)
		case req.Score != nil:
			if req.PlayerId == "" {
				return ActionResult{}, ErrInvalidParams
			}
			st, out = a.RecordScore(req.PlayerId, *req.Score, req.Words)
			s.mirrorScore(ctx, doc, req.PlayerId, *req.Score, req.Words)
		default:
			return ActionResult{}, ErrUnknownAction
		}
	default:
		return ActionResult{}, ErrUnknownAction
	}
	return ActionResult{Outcome: out, State: reconcile.Combine(doc, st)}, nil
}

// startParams はアクションリクエストとMirrorドキュメントから
// ラウンド開始パラメータを組み立てます。ロースターのシードはMirrorから
func startParams(req ActionRequest, doc models.RoomDoc) game.StartParams {
	mode := doc.GameMode
	if req.GameMode != "" {
		mode = models.ParseGameMode(req.GameMode)
	}
	return game.StartParams{
		GameMode:      mode,
		Consonants:    req.Consonants,
		MirrorPlayers: doc.Players,
		HostPlayerId:  doc.HostId,
	}
}

// mirrorGameStarted はラウンド開始後のMirror側の粗い状態を追従させます
func (s *RoomService) mirrorGameStarted(ctx context.Context, doc models.RoomDoc, st game.RoomState, reset bool) {
	doc.GameStarted = true
	doc.GameMode = st.GameMode
	doc.RoundNumber = st.RoundNumber
	if reset {
		doc.Scores = map[string]int{}
		doc.PlayerWords = nil
	}
	s.putBestEffort(ctx, doc)
}

// mirrorScore は時間制のスコアをMirrorにも書いておきます
// （待機室・終了後のビューはMirrorが正のため）
func (s *RoomService) mirrorScore(ctx context.Context, doc models.RoomDoc, playerId string, score int, words []string) {
	if doc.Scores == nil {
		doc.Scores = map[string]int{}
	}
	doc.Scores[playerId] = score
	if len(words) > 0 {
		if doc.PlayerWords == nil {
			doc.PlayerWords = map[string][]string{}
		}
		doc.PlayerWords[playerId] = words
	}
	if idx := doc.FindPlayer(playerId); idx >= 0 {
		doc.Players[idx].Score = score
	}
	s.putBestEffort(ctx, doc)
}

func (s *RoomService) putBestEffort(ctx context.Context, doc models.RoomDoc) {
	if err := s.mirror.PutRoom(ctx, doc, s.ttlSec); err != nil {
		log.Printf("service: mirror update failed room=%s err=%v", doc.Id, err)
	}
}

// ChatLog はルームのチャットログ（直近100件）を返します
func (s *RoomService) ChatLog(ctx context.Context, roomId string) ([]models.ChatMessage, error) {
	if roomId == "" {
		return nil, ErrInvalidParams
	}
	_, found, err := s.mirror.GetRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRoomNotFound
	}
	msgs := s.actorFor(roomId).Snapshot().ChatMessages
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return msgs, nil
}

// PostChat はチャットメッセージを追加します
func (s *RoomService) PostChat(ctx context.Context, roomId, playerId, playerName, message string) (models.ChatMessage, error) {
	if roomId == "" || playerId == "" || strings.TrimSpace(playerName) == "" || strings.TrimSpace(message) == "" {
		return models.ChatMessage{}, ErrInvalidParams
	}
	_, found, err := s.mirror.GetRoom(ctx, roomId)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if !found {
		return models.ChatMessage{}, ErrRoomNotFound
	}
	msg := models.ChatMessage{
		Id:         idgen.NewULID(),
		PlayerId:   playerId,
		PlayerName: playerName,
		Message:    message,
		Timestamp:  s.now().UnixMilli(),
	}
	s.actorFor(roomId).AppendChat(msg)
	return msg, nil
}

// ListRooms はロビーに表示するルーム一覧を返します
// 期限内（1時間）かつ非空のルームを作成時刻の新しい順で。
// Mirrorの一覧は遅延があるため、作成直後ルームのサイドインデックスも引きます
func (s *RoomService) ListRooms(ctx context.Context) ([]models.RoomSummary, error) {
	now := s.now().UnixMilli()
	ids, err := s.mirror.ListRoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	union := make(map[string]bool, len(ids))
	for _, id := range ids {
		union[id] = true
	}
	recent, err := s.mirror.RecentRoomIDs(ctx, now-recentWindow.Milliseconds())
	if err != nil {
		log.Printf("service: recent rooms lookup failed err=%v", err)
	} else {
		for _, id := range recent {
			union[id] = true
		}
	}

	out := make([]models.RoomSummary, 0, len(union))
	for id := range union {
		doc, found, err := s.mirror.GetRoom(ctx, id)
		if err != nil {
			log.Printf("service: room read failed room=%s err=%v", id, err)
			continue
		}
		if !found || now-doc.CreatedAt >= roomLifetime.Milliseconds() {
			continue
		}

		count := len(doc.Players)
		if doc.GameMode == models.ModeTurn {
			if a, exists := s.actors.Get(id); exists {
				st := a.Snapshot()
				if reconcile.ActorIsRosterAuthority(st) {
					if len(st.Players) == 0 {
						continue
					}
					count = len(st.Players)
				} else if st.PlayersVersion > doc.PlayersVersion && len(st.Players) > 0 {
					count = len(st.Players)
				}
			}
		} else if !doc.GameStarted {
			// 待機室の時間制: 生存時刻が古いプレイヤーは表示人数から除く
			live := 0
			for _, p := range doc.Players {
				seen := doc.LastSeen[p.Id]
				if seen == 0 || now-seen <= staleSeenAfter.Milliseconds() {
					live++
				}
			}
			count = live
		}
		if count == 0 {
			continue
		}
		out = append(out, models.RoomSummary{
			Id:          doc.Id,
			RoomNumber:  doc.RoomNumber,
			CreatedAt:   doc.CreatedAt,
			Title:       doc.Title,
			GameMode:    doc.GameMode,
			PlayerCount: count,
			MaxPlayers:  doc.MaxPlayers,
			Players:     []models.Player{},
			GameStarted: doc.GameStarted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

package game

import (
	"strings"
	"sync"
	"time"

	"github.com/chosung-battle/api-server/internal/models"
)

// Actor は1ルーム分の権威状態を直列化して操作します
// 同一ルームへの並行リクエストは実行中の操作の後ろに並びます
type Actor struct {
	mu    sync.Mutex
	state RoomState

	now func() time.Time

	purgeDelay time.Duration
	purge      *time.Timer
	onPurge    func()

	// ロースター変更後のMirror Store反映用コールバック
	// アクターの応答をブロックしないよう非同期に呼ばれます
	onRosterChange func(RoomState)
}

// NewActor は初期状態のアクターを作成します（初回アクセス時に遅延生成される前提）
func NewActor(roomId string) *Actor {
	a := &Actor{
		now:        time.Now,
		purgeDelay: 60 * time.Second,
	}
	a.state = RoomState{
		Id:          roomId,
		CreatedAt:   time.Now().UnixMilli(),
		GameMode:    models.ModeTime,
		TimeLeft:    defaultTimeLeft,
		IsFirstTurn: true,
		Scores:      map[string]int{},
		PlayerWords: map[string][]string{},
		PlayerLives: map[string]int{},
		TurnCount:   map[string]int{},
	}
	return a
}

// OnRosterChange はロースター反映コールバックを設定します
func (a *Actor) OnRosterChange(fn func(RoomState)) {
	a.mu.Lock()
	a.onRosterChange = fn
	a.mu.Unlock()
}

// Snapshot は現在の状態の深いコピーを返します
func (a *Actor) Snapshot() RoomState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.clone()
}

// withLock は操作本体を直列化し、必要ならバージョン加算と
// Mirror反映コールバックの起動を行います
func (a *Actor) withLock(fn func(s *RoomState, now int64) (Outcome, bool)) (RoomState, Outcome) {
	a.mu.Lock()
	now := a.now().UnixMilli()
	out, bump := fn(&a.state, now)
	if bump {
		a.state.PlayersVersion++
		a.state.LastPlayersUpdate = now
	}
	snap := a.state.clone()
	cb := a.onRosterChange
	a.mu.Unlock()
	if bump && cb != nil {
		go cb(snap)
	}
	return snap, out
}

// StartParams はstart_game / new_gameの入力
// MirrorPlayersはMirror Storeの現在のロースター（フォールバック/突き合わせ用）
type StartParams struct {
	GameMode      models.GameMode
	Consonants    []string
	MirrorPlayers []models.Player
	HostPlayerId  string
}

// StartGame は新しいラウンドを開始します
// ターン制ではロースターを再シードし（脱落記録者は除外）、
// 生命権・提出語・ターン数をリセットします
func (a *Actor) StartGame(p StartParams) (RoomState, Outcome) {
	a.cancelPurge()
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		s.GameStarted = true
		s.StartTime = now
		s.TimeLeft = defaultTimeLeft
		if len(p.Consonants) > 0 {
			s.Consonants = p.Consonants
		}
		s.EndTime = 0
		s.RoundNumber++
		s.GameEndedReason = ""
		if p.HostPlayerId != "" {
			s.HostPlayerId = p.HostPlayerId
		}

		if p.GameMode == models.ModeTurn {
			s.GameMode = models.ModeTurn
			// 脱落記録はリセット前に退避してロースターのフィルタに使う
			elim := make(map[string]bool, len(s.EliminatedPlayers))
			for _, id := range s.EliminatedPlayers {
				elim[id] = true
			}
			roster := s.Players
			if len(roster) == 0 {
				// アクター側が空ならMirrorのロースターで初期化
				roster = p.MirrorPlayers
			}
			s.resetRound(filterPlayers(roster, elim), p.HostPlayerId, now)
		}
		return applied(""), false
	})
}

// NewGame はスコアも含めて全てリセットして開始します
// ロースターは「アクターのロースター ∩ Mirrorの現メンバー」
// （ブラウザを閉じた離脱者をここで落とす）
func (a *Actor) NewGame(p StartParams) (RoomState, Outcome) {
	a.cancelPurge()
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		s.GameStarted = true
		s.StartTime = now
		s.TimeLeft = defaultTimeLeft
		s.Consonants = p.Consonants
		s.EndTime = 0
		s.RoundNumber++
		s.Scores = map[string]int{}
		s.PlayerWords = map[string][]string{}
		s.GameEndedReason = ""
		if p.HostPlayerId != "" {
			s.HostPlayerId = p.HostPlayerId
		}

		mode := p.GameMode
		if mode == "" {
			mode = s.GameMode
		}
		s.GameMode = mode

		roster := intersectPlayers(s.Players, p.MirrorPlayers)
		if len(s.Players) == 0 {
			roster = p.MirrorPlayers
		}
		if mode == models.ModeTurn {
			s.resetRound(roster, p.HostPlayerId, now)
		} else {
			s.Players = append([]models.Player(nil), roster...)
		}
		return applied(""), false
	})
}

// resetRound はターン制ラウンドの開始状態をシードします
func (s *RoomState) resetRound(roster []models.Player, hostId string, now int64) {
	s.UsedWords = nil
	s.PlayerLives = map[string]int{}
	s.TurnCount = map[string]int{}
	s.EliminatedPlayers = nil
	s.IsFirstTurn = true
	s.Players = append([]models.Player(nil), roster...)

	for _, p := range s.Players {
		s.PlayerLives[p.Id] = 0
		s.TurnCount[p.Id] = 0
	}
	if len(s.Players) > 0 {
		s.CurrentTurnPlayerId = s.Players[0].Id
	} else {
		s.CurrentTurnPlayerId = hostId
	}
	s.TurnStartTime = now
}

// SubmitWord は手番プレイヤーの単語提出を処理します
// 手番違い・無効語・重複語は状態を変えずにIgnoredを返します
func (a *Actor) SubmitWord(playerId, word string, isValid bool, wordLength int, hasSpecial bool) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if s.GameMode != models.ModeTurn {
			return ignored(ReasonNotTurnMode), false
		}
		if !s.GameStarted || s.EndTime != 0 {
			return ignored(ReasonGameNotActive), false
		}
		if playerId != s.CurrentTurnPlayerId {
			return ignored(ReasonNotYourTurn), false
		}
		if !isValid {
			return ignored(ReasonInvalidWord), false
		}
		wordLower := strings.ToLower(strings.TrimSpace(word))
		if s.hasUsedWord(wordLower) {
			return ignored(ReasonDuplicateWord), false
		}

		s.UsedWords = append(s.UsedWords, models.UsedWord{
			Word:       wordLower,
			Length:     wordLength,
			HasSpecial: hasSpecial,
		})
		s.TurnCount[playerId]++
		s.PlayerLives[playerId] += lifeAward(wordLength, hasSpecial)

		ended := s.nextTurn(now)
		return applied(""), ended
	})
}

// lifeAward は単語の長さに応じた生命権（延長権）の獲得数
func lifeAward(wordLength int, hasSpecial bool) int {
	switch {
	case wordLength <= 2 && hasSpecial:
		return 1
	case wordLength <= 2:
		return 0
	case wordLength == 3:
		return 1
	case wordLength == 4:
		return 3
	default: // 5文字以上
		return 5
	}
}

// TurnTimeout は手番プレイヤーの時間切れを処理します
// 生命権を1消費し、負になったら脱落。生命権が残っていれば
// ターンは進まず同じプレイヤーのタイマーが再開します（延長権）
// 検出はポーリング由来のため冪等: 最初の成功でcurrentTurnPlayerIdが
// 変わるので、遅れて届いた同じ検出は手番違いで無視されます
func (a *Actor) TurnTimeout(playerId string) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if s.GameMode != models.ModeTurn {
			return ignored(ReasonNotTurnMode), false
		}
		if !s.GameStarted || s.EndTime != 0 {
			return ignored(ReasonGameNotActive), false
		}
		if playerId != s.CurrentTurnPlayerId {
			return ignored(ReasonNotYourTurn), false
		}

		s.PlayerLives[playerId]--
		if s.PlayerLives[playerId] >= 0 {
			// 延長権を使用: 同じプレイヤーのタイマーを再開
			s.TurnStartTime = now
			return applied(ReasonExtended), false
		}

		if !s.isEliminated(playerId) {
			s.EliminatedPlayers = append(s.EliminatedPlayers, playerId)
		}
		if len(s.participants()) <= 1 {
			s.endGame(now, "")
			return applied(ReasonGameEnded), true
		}
		s.nextTurn(now)
		return applied(ReasonEliminated), false
	})
}

// ForceEliminate はブラウザ終了などの異常離脱を処理します
// ロースターから即時除去し、脱落記録にも残します
func (a *Actor) ForceEliminate(playerId string) (RoomState, Outcome) {
	return a.removeFromRoster(playerId, true)
}

// RemovePlayer は正常な退室を処理します
// 脱落記録からも外すので、同じラウンドに改めて参加し直せます
func (a *Actor) RemovePlayer(playerId string) (RoomState, Outcome) {
	return a.removeFromRoster(playerId, false)
}

func (a *Actor) removeFromRoster(playerId string, markEliminated bool) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if s.GameMode != models.ModeTurn {
			return ignored(ReasonNotTurnMode), false
		}

		kept := make([]models.Player, 0, len(s.Players))
		for _, p := range s.Players {
			if p.Id != playerId {
				kept = append(kept, p)
			}
		}
		s.Players = kept

		if markEliminated {
			if !s.isEliminated(playerId) {
				s.EliminatedPlayers = append(s.EliminatedPlayers, playerId)
			}
		} else {
			remaining := s.EliminatedPlayers[:0]
			for _, id := range s.EliminatedPlayers {
				if id != playerId {
					remaining = append(remaining, id)
				}
			}
			s.EliminatedPlayers = remaining
		}
		delete(s.PlayerLives, playerId)
		delete(s.TurnCount, playerId)

		// ホスト承継: 先頭のプレイヤーが新しいホスト
		if s.HostPlayerId == playerId && len(s.Players) > 0 {
			s.HostPlayerId = s.Players[0].Id
		}

		if len(s.participants()) <= 1 && s.GameStarted && s.EndTime == 0 {
			reason := ""
			if markEliminated {
				reason = "player_left"
			}
			s.endGame(now, reason)
			return applied(ReasonGameEnded), true
		}
		if s.GameStarted && s.EndTime == 0 && s.CurrentTurnPlayerId == playerId {
			s.nextTurn(now)
		}
		return applied(""), true
	})
}

// PlayerRejoin は脱落者の再入室を記録します（冪等）
// 今ラウンドは引き続き除外扱いのまま、観戦・チャットは可能になります
func (a *Actor) PlayerRejoin(playerId string) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if s.GameMode != models.ModeTurn {
			return ignored(ReasonNotTurnMode), false
		}
		if s.isEliminated(playerId) {
			return ignored(ReasonNoChange), false
		}
		s.EliminatedPlayers = append(s.EliminatedPlayers, playerId)
		return applied(""), false
	})
}

// SyncPlayers は照合レイヤーからのロースター置き換えフック
// 供給されたリストが現在とメンバーシップまたは件数で異なる場合のみ
// 全置換します。部分マージはしません（並行書き込みでの更新消失対策）
func (a *Actor) SyncPlayers(players []models.Player) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if sameRoster(s.Players, players) {
			return ignored(ReasonNoChange), false
		}
		s.Players = append([]models.Player(nil), players...)
		return applied(""), true
	})
}

// UpdateHost はホストを明示的に変更します
func (a *Actor) UpdateHost(hostPlayerId string) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if hostPlayerId == "" {
			return ignored(ReasonUnknownPlayer), false
		}
		s.HostPlayerId = hostPlayerId
		return applied(""), false
	})
}

// RecordScore は時間制モードのスコア/提出語を記録します
func (a *Actor) RecordScore(playerId string, score int, words []string) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		s.Scores[playerId] = score
		s.PlayerWords[playerId] = append([]string(nil), words...)
		s.LastUpdate = now
		return applied(""), false
	})
}

// AppendChat はチャットログに1件追加します（直近100件を保持）
func (a *Actor) AppendChat(msg models.ChatMessage) (RoomState, Outcome) {
	return a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		if msg.Timestamp == 0 {
			msg.Timestamp = now
		}
		s.ChatMessages = append(s.ChatMessages, msg)
		if len(s.ChatMessages) > maxChatMessages {
			s.ChatMessages = s.ChatMessages[len(s.ChatMessages)-maxChatMessages:]
		}
		return applied(""), false
	})
}

// EndGame は明示的なゲーム終了を処理し、60秒のアイドルパージを予約します
func (a *Actor) EndGame() (RoomState, Outcome) {
	snap, out := a.withLock(func(s *RoomState, now int64) (Outcome, bool) {
		s.endGame(now, "")
		return applied(""), false
	})
	a.armPurge()
	return snap, out
}

// endGame は終了処理の共通部分。既に終了済みなら何もしません
// （終了遷移は正確に1回だけ起きる）
func (s *RoomState) endGame(now int64, reason string) {
	if !s.GameStarted && s.EndTime != 0 {
		return
	}
	s.GameStarted = false
	s.EndTime = now
	s.Consonants = nil // 待機室状態に戻すため初声をクリア
	if reason != "" {
		s.GameEndedReason = reason
	}
}

// nextTurn は次の手番を決めます。参加者が1人以下ならゲームを終了します
// 戻り値はこの呼び出しでゲームが終了したかどうか
func (s *RoomState) nextTurn(now int64) bool {
	if len(s.Players) == 0 {
		s.endGame(now, "")
		return true
	}
	parts := s.participants()
	if len(parts) <= 1 {
		s.endGame(now, "")
		return true
	}

	idx := -1
	for i, p := range parts {
		if p.Id == s.CurrentTurnPlayerId {
			idx = i
			break
		}
	}
	if idx == -1 {
		// 手番保持者が脱落等で参加者集合にいない場合は先頭から
		s.CurrentTurnPlayerId = parts[0].Id
	} else {
		s.CurrentTurnPlayerId = parts[(idx+1)%len(parts)].Id
	}
	s.TurnStartTime = now
	s.IsFirstTurn = false

	if _, ok := s.PlayerLives[s.CurrentTurnPlayerId]; !ok {
		s.PlayerLives[s.CurrentTurnPlayerId] = 0
	}
	if _, ok := s.TurnCount[s.CurrentTurnPlayerId]; !ok {
		s.TurnCount[s.CurrentTurnPlayerId] = 0
	}
	return false
}

// TurnDeadlineExceeded はサーバー側ウォッチドッグの判定
// クライアント検出より1秒遅らせて発火させます
func (s *RoomState) TurnDeadlineExceeded(nowMilli int64) bool {
	if s.GameMode != models.ModeTurn || !s.GameStarted || s.EndTime != 0 {
		return false
	}
	if s.CurrentTurnPlayerId == "" || s.TurnStartTime == 0 {
		return false
	}
	limit := TurnLimitSec
	if s.IsFirstTurn {
		limit = FirstTurnLimitSec
	}
	return nowMilli-s.TurnStartTime >= int64(limit+TimeoutGraceSec)*1000
}

func (a *Actor) armPurge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.purge != nil {
		a.purge.Stop()
	}
	if a.onPurge != nil {
		a.purge = time.AfterFunc(a.purgeDelay, a.onPurge)
	}
}

func (a *Actor) cancelPurge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.purge != nil {
		a.purge.Stop()
		a.purge = nil
	}
}

func filterPlayers(in []models.Player, exclude map[string]bool) []models.Player {
	out := make([]models.Player, 0, len(in))
	for _, p := range in {
		if !exclude[p.Id] {
			out = append(out, p)
		}
	}
	return out
}

// intersectPlayers はaの順序を保ったまま、bにも存在するメンバーだけを返します
func intersectPlayers(a []models.Player, b []models.Player) []models.Player {
	ids := make(map[string]bool, len(b))
	for _, p := range b {
		ids[p.Id] = true
	}
	out := make([]models.Player, 0, len(a))
	for _, p := range a {
		if ids[p.Id] {
			out = append(out, p)
		}
	}
	return out
}

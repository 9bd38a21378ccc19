// Package game はターン制ゲームの権威ステートマシン（Room Actor）を実装します
//
// 1ルーム = 1アクター。全ての操作はミューテックスで直列化され、
// ルーム内の操作は全順序で観測されます（ルーム間は完全並行）。
// ロースターを変更する遷移はPlayersVersionを加算し、Mirror Storeへの
// 反映コールバックを起動します（反映失敗は主操作を失敗させません）。
package game

import (
	"github.com/chosung-battle/api-server/internal/models"
)

// ターン制限（秒）。最初のターンだけ長め
const (
	FirstTurnLimitSec = 10
	TurnLimitSec      = 6
	// サーバー側ウォッチドッグの猶予（クライアント検出を優先させる）
	TimeoutGraceSec = 1
)

const (
	defaultTimeLeft = 180 // 時間制モードの持ち時間（秒）
	maxChatMessages = 100
)

// RoomState はRoom Actorが所有する権威状態
// Mirror Storeのドキュメントとは別物で、ターン制のゲーム進行中は
// こちらのPlayersがロースターの正とされます
type RoomState struct {
	Id        string          `json:"id"`
	CreatedAt int64           `json:"createdAt"`
	GameMode  models.GameMode `json:"gameMode"`

	GameStarted bool     `json:"gameStarted"`
	StartTime   int64    `json:"startTime,omitempty"`
	EndTime     int64    `json:"endTime,omitempty"`
	TimeLeft    int      `json:"timeLeft"`
	Consonants  []string `json:"consonants"`
	RoundNumber int      `json:"roundNumber"`
	LastUpdate  int64    `json:"lastUpdate,omitempty"`

	Players      []models.Player `json:"players"`
	HostPlayerId string          `json:"hostPlayerId,omitempty"`

	Scores      map[string]int      `json:"scores"`
	PlayerWords map[string][]string `json:"playerWords"`

	// ターン制フィールド
	CurrentTurnPlayerId string             `json:"currentTurnPlayerId,omitempty"`
	TurnStartTime       int64              `json:"turnStartTime,omitempty"`
	IsFirstTurn         bool               `json:"isFirstTurn"`
	PlayerLives         map[string]int     `json:"playerLives"`
	EliminatedPlayers   []string           `json:"eliminatedPlayers"`
	UsedWords           []models.UsedWord  `json:"usedWords"`
	TurnCount           map[string]int     `json:"turnCount"`
	GameEndedReason     string             `json:"gameEndedReason,omitempty"`

	ChatMessages []models.ChatMessage `json:"chatMessages"`

	PlayersVersion    int64 `json:"playersVersion"`
	LastPlayersUpdate int64 `json:"lastPlayersUpdate,omitempty"`
}

// Outcome は操作の適用結果
// 不正な操作（手番違い・重複単語など）はエラーではなく
// Applied=falseの無変更結果として返します（§呼び出し側は再ポーリングする前提）
type Outcome struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Outcomeの理由コード
const (
	ReasonNotTurnMode   = "not_turn_mode"
	ReasonGameNotActive = "game_not_active"
	ReasonNotYourTurn   = "not_your_turn"
	ReasonInvalidWord   = "invalid_word"
	ReasonDuplicateWord = "duplicate_word"
	ReasonNoChange      = "no_change"
	ReasonUnknownPlayer = "unknown_player"
	ReasonEliminated    = "eliminated"
	ReasonExtended      = "extension_used"
	ReasonGameEnded     = "game_ended"
)

func applied(reason string) Outcome  { return Outcome{Applied: true, Reason: reason} }
func ignored(reason string) Outcome  { return Outcome{Applied: false, Reason: reason} }

// participants は生命権エントリを持ち、かつ脱落していないロースター上の
// プレイヤー（=ゲーム参加者）を、ロースター順を保って返します
// 観戦者（生命権エントリなし）はターン順・終了判定の対象外
func (s *RoomState) participants() []models.Player {
	elim := make(map[string]bool, len(s.EliminatedPlayers))
	for _, id := range s.EliminatedPlayers {
		elim[id] = true
	}
	out := make([]models.Player, 0, len(s.Players))
	for _, p := range s.Players {
		if _, ok := s.PlayerLives[p.Id]; ok && !elim[p.Id] {
			out = append(out, p)
		}
	}
	return out
}

// FindPlayer はロースター上のプレイヤーを返します（いなければnil）
func (s *RoomState) FindPlayer(playerId string) *models.Player {
	for i := range s.Players {
		if s.Players[i].Id == playerId {
			return &s.Players[i]
		}
	}
	return nil
}

func (s *RoomState) isEliminated(playerId string) bool {
	for _, id := range s.EliminatedPlayers {
		if id == playerId {
			return true
		}
	}
	return false
}

func (s *RoomState) hasUsedWord(wordLower string) bool {
	for _, w := range s.UsedWords {
		if w.Word == wordLower {
			return true
		}
	}
	return false
}

// clone はスナップショット用の深いコピーを返します
func (s *RoomState) clone() RoomState {
	out := *s
	out.Consonants = append([]string(nil), s.Consonants...)
	out.Players = append([]models.Player(nil), s.Players...)
	out.EliminatedPlayers = append([]string(nil), s.EliminatedPlayers...)
	out.UsedWords = append([]models.UsedWord(nil), s.UsedWords...)
	out.ChatMessages = append([]models.ChatMessage(nil), s.ChatMessages...)
	out.Scores = copyIntMap(s.Scores)
	out.PlayerLives = copyIntMap(s.PlayerLives)
	out.TurnCount = copyIntMap(s.TurnCount)
	out.PlayerWords = make(map[string][]string, len(s.PlayerWords))
	for k, v := range s.PlayerWords {
		out.PlayerWords[k] = append([]string(nil), v...)
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sameRoster はメンバーシップと件数が一致するか（順序は不問）
func sameRoster(a []models.Player, b []models.Player) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]bool, len(a))
	for _, p := range a {
		ids[p.Id] = true
	}
	for _, p := range b {
		if !ids[p.Id] {
			return false
		}
	}
	return true
}

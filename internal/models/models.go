// Package models はアプリケーションで使用するデータ構造を定義します
package models

// GameMode はルームのゲームモード
type GameMode string

const (
	ModeTime GameMode = "time" // 時間制: 制限時間内のスコア勝負
	ModeTurn GameMode = "turn" // ターン制: 生命権を賭けたサバイバル
)

// ParseGameMode は未知の値を時間制にフォールバックします
func ParseGameMode(s string) GameMode {
	if s == string(ModeTurn) {
		return ModeTurn
	}
	return ModeTime
}

// Player はルームに参加するプレイヤーの情報を表します
type Player struct {
	Id       string `json:"id"`       // プレイヤーの一意な識別子
	Name     string `json:"name"`     // 表示名
	Score    int    `json:"score"`    // 時間制モードのスコア
	JoinedAt int64  `json:"joinedAt"` // 入室日時（Unixミリ秒）= ターン順のシード
}

// UsedWord はターン制で提出済みの単語（小文字正規化済み）
type UsedWord struct {
	Word       string `json:"word"`
	Length     int    `json:"length"`
	HasSpecial bool   `json:"hasSpecial"` // 特別初声を含むか（効果音共有用）
}

// ChatMessage はルーム内チャットの1件
type ChatMessage struct {
	Id         string `json:"id"`
	PlayerId   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// RoomDoc はMirror Store（Redis）に保存するルームドキュメント
// 全体上書きで書き込まれるため、並行書き込みはlast-writer-winsになります
// playersの変更検知にはPlayersVersionを使用します
type RoomDoc struct {
	Id                string              `json:"id"`
	RoomNumber        int                 `json:"roomNumber"`
	CreatedAt         int64               `json:"createdAt"`
	Title             string              `json:"title"`
	GameMode          GameMode            `json:"gameMode"`
	Players           []Player            `json:"players"`
	MaxPlayers        int                 `json:"maxPlayers"`
	AcceptingPlayers  bool                `json:"acceptingPlayers"`
	GameStarted       bool                `json:"gameStarted"`
	RoundNumber       int                 `json:"roundNumber"`
	Scores            map[string]int      `json:"scores,omitempty"`
	PlayerWords       map[string][]string `json:"playerWords,omitempty"`
	HostId            string              `json:"hostId,omitempty"`
	LastSeen          map[string]int64    `json:"lastSeen,omitempty"`
	PlayersVersion    int64               `json:"playersVersion"`
	LastPlayersUpdate int64               `json:"lastPlayersUpdate,omitempty"`
}

// FindPlayer はIDでプレイヤーを探します（見つからなければ-1）
func (d *RoomDoc) FindPlayer(playerId string) int {
	for i, p := range d.Players {
		if p.Id == playerId {
			return i
		}
	}
	return -1
}

// RoomSummary はロビー一覧の1エントリ
type RoomSummary struct {
	Id          string   `json:"id"`
	RoomNumber  int      `json:"roomNumber"`
	CreatedAt   int64    `json:"createdAt"`
	Title       string   `json:"title"`
	GameMode    GameMode `json:"gameMode"`
	PlayerCount int      `json:"playerCount"`
	MaxPlayers  int      `json:"maxPlayers"`
	Players     []Player `json:"players"` // 一覧では常に空（詳細はgame-stateで取得）
	GameStarted bool     `json:"gameStarted"`
}

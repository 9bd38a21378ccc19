package game

import (
	"sync"
	"time"
)

// Manager はルームIDごとのアクターを管理します
// アクターは初回アクセス時に遅延生成され、アイドルパージか
// ルーム削除で破棄されます
type Manager struct {
	actors sync.Map // roomId -> *Actor

	// テストで短縮できるようにする
	PurgeDelay time.Duration
}

func NewManager() *Manager {
	return &Manager{PurgeDelay: 60 * time.Second}
}

// GetOrCreate はルームのアクターを返します。なければ作成します
// パージコールバックはこのマネージャーからの除去につながります
func (m *Manager) GetOrCreate(roomId string) *Actor {
	if v, ok := m.actors.Load(roomId); ok {
		return v.(*Actor)
	}
	a := NewActor(roomId)
	a.purgeDelay = m.PurgeDelay
	a.onPurge = func() { m.Remove(roomId) }
	actual, loaded := m.actors.LoadOrStore(roomId, a)
	if loaded {
		return actual.(*Actor)
	}
	return a
}

// Get は既存のアクターを返します（生成はしない）
func (m *Manager) Get(roomId string) (*Actor, bool) {
	v, ok := m.actors.Load(roomId)
	if !ok {
		return nil, false
	}
	return v.(*Actor), true
}

// Remove はアクターを破棄します
func (m *Manager) Remove(roomId string) {
	if v, ok := m.actors.LoadAndDelete(roomId); ok {
		v.(*Actor).cancelPurge()
	}
}

// Range は全アクターを走査します（ウォッチドッグ用）
func (m *Manager) Range(fn func(roomId string, a *Actor) bool) {
	m.actors.Range(func(k, v any) bool {
		return fn(k.(string), v.(*Actor))
	})
}

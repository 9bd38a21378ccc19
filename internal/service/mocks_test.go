package service

import (
	"context"
	"sync"

	"github.com/chosung-battle/api-server/internal/models"
	"github.com/chosung-battle/api-server/internal/repo"
)

// fakeMirror はテスト用のインメモリMirror Store
type fakeMirror struct {
	mu     sync.Mutex
	docs   map[string]models.RoomDoc
	vers   map[string]int64
	recent map[string]int64

	casConflicts int
}

var _ repo.MirrorRepo = (*fakeMirror)(nil)

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		docs:   map[string]models.RoomDoc{},
		vers:   map[string]int64{},
		recent: map[string]int64{},
	}
}

func (f *fakeMirror) seed(doc models.RoomDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.Id] = doc
	f.vers[doc.Id] = doc.PlayersVersion
}

func (f *fakeMirror) get(roomId string) (models.RoomDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[roomId]
	return doc, ok
}

func (f *fakeMirror) CreateRoom(ctx context.Context, doc models.RoomDoc, ttlSec int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[doc.Id]; ok {
		return repo.ErrRoomExists
	}
	f.docs[doc.Id] = doc
	f.vers[doc.Id] = doc.PlayersVersion
	return nil
}

func (f *fakeMirror) GetRoom(ctx context.Context, roomId string) (models.RoomDoc, bool, error) {
	doc, ok := f.get(roomId)
	return doc, ok, nil
}

func (f *fakeMirror) PutRoom(ctx context.Context, doc models.RoomDoc, ttlSec int) error {
	f.seed(doc)
	return nil
}

func (f *fakeMirror) CompareAndPutRoom(ctx context.Context, doc models.RoomDoc, expectedVersion int64, ttlSec int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.casConflicts > 0 {
		f.casConflicts--
		return false, nil
	}
	if f.vers[doc.Id] != expectedVersion {
		return false, nil
	}
	f.docs[doc.Id] = doc
	f.vers[doc.Id] = doc.PlayersVersion
	return true, nil
}

func (f *fakeMirror) DeleteRoom(ctx context.Context, roomId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, roomId)
	delete(f.vers, roomId)
	delete(f.recent, roomId)
	return nil
}

func (f *fakeMirror) ListRoomIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.docs))
	for id := range f.docs {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeMirror) MarkRecent(ctx context.Context, roomId string, createdAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[roomId] = createdAt
	return nil
}

func (f *fakeMirror) RecentRoomIDs(ctx context.Context, since int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for id, at := range f.recent {
		if at >= since {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeMirror) UnmarkRecent(ctx context.Context, roomId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recent, roomId)
	return nil
}

// seqCodeGen は決まった順にコードを返すCodeGenerator
type seqCodeGen struct {
	mu    sync.Mutex
	codes []string
}

func (g *seqCodeGen) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.codes) == 0 {
		return "ZZZZ", nil
	}
	c := g.codes[0]
	g.codes = g.codes[1:]
	return c, nil
}

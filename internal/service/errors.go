package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound           = errors.New("room not found")
	ErrRoomClosed             = errors.New("room is closed")
	ErrRoomFull               = errors.New("room is full")
	ErrDuplicateName          = errors.New("player name already in use")
	ErrUnknownAction          = errors.New("unknown action")
	ErrInvalidParams          = errors.New("invalid parameters")
	ErrRoomIDGenerationFailed = errors.New("failed to generate unique room code after multiple attempts")
	ErrConflict               = errors.New("room update conflicted with concurrent write")
)

package handlers

import "fmt"

// validateRoomId はルームIDのバリデーションを行います
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}

// validatePlayerId はプレイヤーIDのバリデーションを行います
func validatePlayerId(playerId string) error {
	if normalizeID(playerId) == "" {
		return fmt.Errorf("playerId required")
	}
	return nil
}

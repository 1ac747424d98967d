package domain

import (
	"context"

	"github.com/google/uuid"
)

// RoomID はルームを識別する16バイトのIDです。Joinペイロードにそのまま載ります。
type RoomID [16]byte

func NewRoomID() RoomID { return RoomID(uuid.New()) }

func (id RoomID) IsEmpty() bool  { return id == RoomID{} }
func (id RoomID) String() string { return uuid.UUID(id).String() }

//go:generate go tool mockgen -destination=./mocks/room_manager_mock.go -package=mocks . RoomManager

// RoomManager はRoomIDを指定せずにJoinしたセッションの参加先を決めます。
type RoomManager interface {
	GetRoom(ctx context.Context, sessionID SessionID) (RoomID, error)
}

// SimpleRoomManager は全セッションを1つのルームに割り当てます。
type SimpleRoomManager struct {
	defaultRoom RoomID
}

func NewSimpleRoomManager(defaultRoom RoomID) *SimpleRoomManager {
	return &SimpleRoomManager{defaultRoom: defaultRoom}
}

func (m *SimpleRoomManager) GetRoom(ctx context.Context, sessionID SessionID) (RoomID, error) {
	return m.defaultRoom, nil
}

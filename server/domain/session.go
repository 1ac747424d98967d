package domain

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionID はセッションを識別する16バイトのIDです。ヘッダーにそのまま載ります。
type SessionID [16]byte

func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func SessionIDFromBytes(b [16]byte) SessionID {
	return SessionID(b)
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("parse session id: %w", err)
	}
	return SessionID(id), nil
}

func (id SessionID) Bytes() [16]byte { return id }
func (id SessionID) IsEmpty() bool   { return id == SessionID{} }
func (id SessionID) String() string  { return uuid.UUID(id).String() }

type IdleReason uint8

const (
	IdleNone IdleReason = 0
	IdleRead IdleReason = 1 << 0
	IdlePong IdleReason = 1 << 1
)

func (r IdleReason) String() string {
	switch r {
	case IdleNone:
		return "none"
	case IdleRead:
		return "read idle"
	case IdlePong:
		return "pong idle"
	case IdleRead | IdlePong:
		return "read and pong idle"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Session は1接続の論理的な接続状態を表す構造体です。
type Session struct {
	id SessionID

	lastRead  atomic.Int64
	lastWrite atomic.Int64
	lastPong  atomic.Int64

	closed atomic.Bool
}

func NewSession() *Session {
	s := &Session{id: NewSessionID()}
	now := time.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)
	s.lastPong.Store(now)
	return s
}

func (s *Session) ID() SessionID { return s.id }

func (s *Session) TouchRead()  { s.lastRead.Store(time.Now().UnixNano()) }
func (s *Session) TouchWrite() { s.lastWrite.Store(time.Now().UnixNano()) }
func (s *Session) TouchPong()  { s.lastPong.Store(time.Now().UnixNano()) }

// IsIdle は読み込みとpongの両方が timeout 以上途絶えているかを返します。
// 書き込みはサーバー側の都合で発生するため判定に含めません。
func (s *Session) IsIdle(timeout time.Duration) (bool, IdleReason) {
	if timeout <= 0 {
		return false, IdleNone
	}
	var reason IdleReason
	if idleSince(s.lastRead.Load(), timeout) {
		reason |= IdleRead
	}
	if idleSince(s.lastPong.Load(), timeout) {
		reason |= IdlePong
	}
	return reason == IdleRead|IdlePong, reason
}

func (s *Session) Close() bool {
	return s.closed.CompareAndSwap(false, true)
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func idleSince(nano int64, timeout time.Duration) bool {
	return time.Since(time.Unix(0, nano)) > timeout
}

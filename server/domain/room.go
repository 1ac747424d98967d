package domain

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var ErrRoomBusy = errors.New("room send channel is full")

// Application はルームのtickゴルーチン上で動くゲームロジックです。
// 全てのメソッドは同じゴルーチンから順に呼ばれます。
type Application interface {
	OnJoin(ctx context.Context, sessionID SessionID)
	OnLeave(ctx context.Context, sessionID SessionID)
	HandleMessage(ctx context.Context, sessionID SessionID, data []byte) error
	// Tick は毎tick呼ばれ、nil 以外を返すとルーム全体にブロードキャストされます。
	Tick(ctx context.Context) []byte
}

type roomSendKind uint8

const (
	roomSendBroadcast roomSendKind = iota + 1
	roomSendTo
)

type roomSend struct {
	kind      roomSendKind
	sessionID SessionID
	data      []byte
}

type Room struct {
	ID       RoomID
	sessions map[SessionID]struct{}

	pubsub PubSub
	sendCh chan roomSend

	tickInterval time.Duration
}

type RoomOption func(*Room)

func WithTickInterval(d time.Duration) RoomOption {
	return func(r *Room) { r.tickInterval = d }
}

func NewRoom(id RoomID, pubsub PubSub, opts ...RoomOption) *Room {
	r := &Room{
		ID:           id,
		sessions:     make(map[SessionID]struct{}),
		pubsub:       pubsub,
		sendCh:       make(chan roomSend, 1024),
		tickInterval: time.Second / 60,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Room) Broadcast(ctx context.Context, data []byte) {
	for sessionID := range r.sessions {
		r.pubsub.Publish(ctx, SessionTopic(sessionID), Message{SessionID: sessionID, Data: data})
	}
}

func (r *Room) SendTo(ctx context.Context, sessionID SessionID, data []byte) {
	r.pubsub.Publish(ctx, SessionTopic(sessionID), Message{SessionID: sessionID, Data: data})
}

func (r *Room) EnqueueBroadcast(ctx context.Context, data []byte) error {
	return r.enqueueSend(ctx, roomSend{kind: roomSendBroadcast, data: data})
}

func (r *Room) EnqueueSendTo(ctx context.Context, sessionID SessionID, data []byte) error {
	return r.enqueueSend(ctx, roomSend{kind: roomSendTo, sessionID: sessionID, data: data})
}

// EnqueueKick はキック通知を送ります。受け取ったセッションエンドポイントが接続を閉じます。
func (r *Room) EnqueueKick(ctx context.Context, sessionID SessionID, reason string) error {
	return r.EnqueueSendTo(ctx, sessionID, EncodeKickMessage(sessionID, reason))
}

func (r *Room) Members() int {
	return len(r.sessions)
}

func (r *Room) enqueueSend(ctx context.Context, msg roomSend) error {
	select {
	case <-ctx.Done():
		return nil
	case r.sendCh <- msg:
		return nil
	default:
		return ErrRoomBusy
	}
}

func (r *Room) Run(ctx context.Context, app Application) error {
	if app == nil {
		return errors.New("room: application is nil")
	}
	msgCh := r.pubsub.Subscribe(RoomTopic(r.ID))
	defer r.pubsub.Unsubscribe(RoomTopic(r.ID), msgCh)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "room started", "roomID", r.ID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// 受信メッセージを処理
		RECEIVE_LOOP:
			for {
				select {
				case msg := <-msgCh:
					r.handleMessage(ctx, app, msg)
				default:
					break RECEIVE_LOOP
				}
			}
			// 前のtickでアプリケーションが積んだ送信を流す
		SEND_LOOP:
			for {
				select {
				case msg := <-r.sendCh:
					r.handleSendMessage(ctx, msg)
				default:
					break SEND_LOOP
				}
			}
			if data := app.Tick(ctx); data != nil {
				r.Broadcast(ctx, data)
			}
		}
	}
}

func (r *Room) handleMessage(ctx context.Context, app Application, msg Message) {
	if IsControl(msg.Data, ControlSubTypeJoin) {
		if _, ok := r.sessions[msg.SessionID]; ok {
			return
		}
		r.sessions[msg.SessionID] = struct{}{}
		app.OnJoin(ctx, msg.SessionID)
		return
	}
	if IsControl(msg.Data, ControlSubTypeLeave) {
		if _, ok := r.sessions[msg.SessionID]; !ok {
			return
		}
		delete(r.sessions, msg.SessionID)
		app.OnLeave(ctx, msg.SessionID)
		return
	}
	if _, ok := r.sessions[msg.SessionID]; !ok {
		slog.WarnContext(ctx, "message from session outside the room", "sessionID", msg.SessionID)
		return
	}
	if err := app.HandleMessage(ctx, msg.SessionID, msg.Data); err != nil {
		slog.WarnContext(ctx, "room handle message failed", "sessionID", msg.SessionID, "err", err)
	}
}

func (r *Room) handleSendMessage(ctx context.Context, msg roomSend) {
	switch msg.kind {
	case roomSendBroadcast:
		r.Broadcast(ctx, msg.data)
	case roomSendTo:
		r.SendTo(ctx, msg.sessionID, msg.data)
	default:
	}
}

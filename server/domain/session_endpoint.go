package domain

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrBackpressure は書き込みチャネルが満杯の場合に返されるエラーです。
	ErrBackpressure = errors.New("write channel is full, apply backpressure")
	// ErrInitializationFailed はセッションエンドポイントの初期化に失敗した場合に返されるエラーです。
	ErrInitializationFailed = errors.New("failed to initialize session endpoint")
)

const (
	pingInterval     = 5 * time.Second
	idleTimeout      = 30 * time.Second
	kickWriteTimeout = time.Second
)

// SessionEndpoint は1セッション分の読み書きとルームへの中継を担当します。
type SessionEndpoint struct {
	ctx    context.Context
	cancel context.CancelFunc

	session     *Session
	connection  *Connection
	pubsub      PubSub
	roomManager RoomManager
	roomID      atomic.Pointer[RoomID]

	ctrlCh  chan endpointEvent
	writeCh chan []byte

	closed atomic.Bool
}

func NewSessionEndpoint(session *Session, connection *Connection, pubsub PubSub, roomManager RoomManager) (*SessionEndpoint, error) {
	if session == nil || connection == nil || pubsub == nil || roomManager == nil {
		return nil, ErrInitializationFailed
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionEndpoint{
		ctx:         ctx,
		cancel:      cancel,
		session:     session,
		connection:  connection,
		pubsub:      pubsub,
		roomManager: roomManager,
		ctrlCh:      make(chan endpointEvent, 16),
		writeCh:     make(chan []byte, 1024),
	}, nil
}

func (se *SessionEndpoint) Run() error {
	msgCh := se.pubsub.Subscribe(SessionTopic(se.session.ID()))
	defer se.pubsub.Unsubscribe(SessionTopic(se.session.ID()), msgCh)

	heartbeat := NewHeartbeatService(pingInterval, se.session, se.writeCh)

	eg, ctx := errgroup.WithContext(se.ctx)
	eg.Go(func() error {
		se.ownerLoop(ctx)
		return nil
	})
	eg.Go(func() error {
		se.readLoop(ctx)
		return nil
	})
	eg.Go(func() error {
		se.writeLoop(ctx)
		return nil
	})
	eg.Go(func() error {
		se.subscribeLoop(ctx, msgCh)
		return nil
	})
	eg.Go(func() error {
		heartbeat.Run(ctx)
		return nil
	})

	// セッションID通知を送信
	if err := se.Send(EncodeAssignMessage(se.session.ID())); err != nil {
		se.close()
		return err
	}
	return eg.Wait()
}

func (se *SessionEndpoint) Send(data []byte) error {
	select {
	case se.writeCh <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (se *SessionEndpoint) Close(ctx context.Context) {
	se.sendCtrlEvent(ctx, endpointEvent{kind: evClose})
}

// ownerLoop は論理セッションの状態を監視し、必要に応じて接続の管理を行います。
func (se *SessionEndpoint) ownerLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-se.ctrlCh:
			se.handleControlEvent(ctx, ev)
		case <-ticker.C:
			if idle, reason := se.session.IsIdle(idleTimeout); idle {
				se.handleControlEvent(ctx, endpointEvent{kind: evClose, err: errors.New(reason.String())})
			}
		}
	}
}

func (se *SessionEndpoint) readLoop(ctx context.Context) {
	for {
		data, err := se.connection.Read(ctx)
		if err != nil {
			se.sendCtrlEvent(ctx, endpointEvent{kind: evReadError, err: err})
			return
		}
		se.session.TouchRead()
		se.handleData(ctx, data)
	}
}

func (se *SessionEndpoint) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-se.writeCh:
			if err := se.connection.Write(ctx, data); err != nil {
				se.sendCtrlEvent(ctx, endpointEvent{kind: evWriteError, err: err})
				return
			}
			se.session.TouchWrite()
		}
	}
}

// subscribeLoop はpubsubからのメッセージをwriteChに転送します。キック通知は ownerLoop に渡します。
func (se *SessionEndpoint) subscribeLoop(ctx context.Context, msgCh <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			if IsControl(msg.Data, ControlSubTypeKick) {
				se.sendCtrlEvent(ctx, endpointEvent{kind: evKick, data: msg.Data})
				continue
			}
			select {
			case se.writeCh <- msg.Data:
			default:
				slog.WarnContext(ctx, "subscribeLoop: writeCh full, message dropped", "sessionID", se.session.ID())
			}
		}
	}
}

func (se *SessionEndpoint) close() {
	se.closeWith(CloseNormal, "")
}

func (se *SessionEndpoint) closeWith(code int32, reason string) {
	if !se.closed.CompareAndSwap(false, true) {
		return
	}
	// ルームに参加したまま切断された場合は離脱を通知する
	if roomID := se.roomID.Load(); roomID != nil {
		se.pubsub.Publish(context.Background(), RoomTopic(*roomID), Message{
			SessionID: se.session.ID(),
			Data:      EncodeLeaveMessage(se.session.ID()),
		})
	}
	se.cancel()
	se.session.Close()
	se.connection.Close(code, reason)
}

func (se *SessionEndpoint) handleData(ctx context.Context, data []byte) {
	header, payloadHeader, payload, err := SplitMessage(data)
	if err != nil {
		slog.WarnContext(ctx, "failed to parse message", "err", err)
		return
	}
	if SessionIDFromBytes(header.SessionID) != se.session.ID() {
		slog.WarnContext(ctx, "session ID mismatch", "expected", se.session.ID(), "got", SessionIDFromBytes(header.SessionID))
		return
	}

	switch payloadHeader.DataType {
	case DataTypeControl:
		se.handleControlMessage(ctx, ControlSubType(payloadHeader.SubType), data, payload)
	case DataTypeMatch:
		roomID := se.roomID.Load()
		if roomID == nil {
			slog.WarnContext(ctx, "received match message before joining a room", "sessionID", se.session.ID())
			return
		}
		se.pubsub.Publish(ctx, RoomTopic(*roomID), Message{SessionID: se.session.ID(), Data: data})
	default:
		slog.WarnContext(ctx, "unknown data type", "dataType", payloadHeader.DataType)
	}
}

func (se *SessionEndpoint) handleControlMessage(ctx context.Context, subType ControlSubType, data, payload []byte) {
	switch subType {
	case ControlSubTypeJoin:
		if se.roomID.Load() != nil {
			slog.WarnContext(ctx, "session already joined a room", "sessionID", se.session.ID())
			return
		}
		join, err := ParseJoinPayload(payload)
		if err != nil {
			slog.WarnContext(ctx, "failed to parse join message", "err", err)
			return
		}
		roomID := join.RoomID
		// RoomIDが空の場合、RoomManagerからデフォルトルームを取得
		if roomID.IsEmpty() {
			roomID, err = se.roomManager.GetRoom(ctx, se.session.ID())
			if err != nil {
				slog.ErrorContext(ctx, "failed to get default room", "err", err)
				return
			}
			slog.DebugContext(ctx, "auto-assigned room", "sessionID", se.session.ID(), "roomID", roomID)
		}
		se.roomID.Store(&roomID)
		slog.InfoContext(ctx, "session joined room", "sessionID", se.session.ID(), "roomID", roomID)
		se.pubsub.Publish(ctx, RoomTopic(roomID), Message{SessionID: se.session.ID(), Data: data})
	case ControlSubTypeLeave:
		roomID := se.roomID.Swap(nil)
		if roomID == nil {
			slog.WarnContext(ctx, "session not in any room, cannot leave", "sessionID", se.session.ID())
			return
		}
		se.pubsub.Publish(ctx, RoomTopic(*roomID), Message{SessionID: se.session.ID(), Data: data})
		slog.InfoContext(ctx, "session left room", "sessionID", se.session.ID(), "roomID", *roomID)
	case ControlSubTypePong:
		se.sendCtrlEvent(ctx, endpointEvent{kind: evPong})
	default:
		slog.DebugContext(ctx, "ignored control message", "subType", subType)
	}
}

// handleControlEvent は制御チャネルからのイベントを処理し論理セッションの状態を更新する唯一の関数です。
func (se *SessionEndpoint) handleControlEvent(ctx context.Context, ev endpointEvent) {
	switch ev.kind {
	case evClose:
		if ev.err != nil {
			slog.InfoContext(ctx, "closing idle session", "sessionID", se.session.ID(), "reason", ev.err)
		}
		se.close()
	case evPong:
		se.session.TouchPong()
	case evReadError, evWriteError:
		slog.DebugContext(ctx, "connection I/O failed", "sessionID", se.session.ID(), "err", ev.err)
		se.close()
	case evKick:
		reason := ""
		if kick, err := ParseKickPayload(ev.data[HeaderSize+PayloadHeaderSize:]); err == nil {
			reason = kick.Reason
		}
		writeCtx, cancel := context.WithTimeout(ctx, kickWriteTimeout)
		if err := se.connection.Write(writeCtx, ev.data); err != nil {
			slog.DebugContext(ctx, "failed to deliver kick", "sessionID", se.session.ID(), "err", err)
		}
		cancel()
		slog.InfoContext(ctx, "session kicked", "sessionID", se.session.ID(), "reason", reason)
		se.closeWith(ClosePolicyViolation, reason)
	default:
		slog.WarnContext(ctx, "unknown endpoint event kind", "kind", ev.kind)
	}
}

func (se *SessionEndpoint) sendCtrlEvent(ctx context.Context, ev endpointEvent) {
	select {
	case se.ctrlCh <- ev:
	case <-ctx.Done():
	}
}

package domain

import (
	"context"
	"log/slog"
	"sync"
)

// Topic はpubsubの宛先です。"session:<id>" と "room:<id>" の2種類を使います。
type Topic string

func SessionTopic(id SessionID) Topic { return Topic("session:" + id.String()) }
func RoomTopic(id RoomID) Topic       { return Topic("room:" + id.String()) }

// Message はpubsubで配送される1メッセージです。SessionID は送信元です。
type Message struct {
	SessionID SessionID
	Data      []byte
}

//go:generate go tool mockgen -destination=./mocks/pubsub_mock.go -package=mocks . PubSub

type PubSub interface {
	Publish(ctx context.Context, topic Topic, msg Message)
	Subscribe(topic Topic) <-chan Message
	Unsubscribe(topic Topic, ch <-chan Message)
}

const subscriberBuffer = 256

// SimplePubSub はプロセス内で完結するPubSubです。購読者のバッファが満杯なら破棄します。
type SimplePubSub struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Message
}

var _ PubSub = (*SimplePubSub)(nil)

func NewSimplePubSub() *SimplePubSub {
	return &SimplePubSub{subscribers: make(map[Topic][]chan Message)}
}

func (p *SimplePubSub) Publish(ctx context.Context, topic Topic, msg Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subscribers[topic] {
		select {
		case ch <- msg:
		default:
			slog.WarnContext(ctx, "pubsub subscriber full, message dropped", "topic", topic)
		}
	}
}

func (p *SimplePubSub) Subscribe(topic Topic) <-chan Message {
	ch := make(chan Message, subscriberBuffer)
	p.mu.Lock()
	p.subscribers[topic] = append(p.subscribers[topic], ch)
	p.mu.Unlock()
	return ch
}

func (p *SimplePubSub) Unsubscribe(topic Topic, ch <-chan Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subscribers[topic]
	for i, c := range subs {
		if c == ch {
			p.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(p.subscribers[topic]) == 0 {
		delete(p.subscribers, topic)
	}
}

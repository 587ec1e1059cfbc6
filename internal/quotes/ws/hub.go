package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/wsmetrics"
	"gopherex.com/mdfeed/pkg/logger"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{} // topic -> set(conn)
	last map[string][]byte             // topic -> last payload (snapshot)
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Conn]struct{}, 64),
		last: make(map[string][]byte, 64),
	}
}

func (h *Hub) Subscribe(c *Conn, topics []string) {
	logger.Debug(context.Background(), "ws subscribe", zap.String("conn", c.id), zap.Strings("topics", topics))
	wsmetrics.SubOpsTotal.WithLabelValues("sub").Inc()

	// 1) 记录订阅
	h.mu.Lock()
	for _, t := range topics {
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		set[c] = struct{}{}
	}
	// 2) 同一把锁里取快照，避免订阅后立刻 publish 却取不到
	type snap struct {
		topic string
		data  []byte
	}
	snaps := make([]snap, 0, len(topics))
	for _, t := range topics {
		if b := h.last[t]; b != nil {
			snaps = append(snaps, snap{t, b})
		}
	}
	h.mu.Unlock()

	// 3) 立即回放最新快照
	for _, s := range snaps {
		_ = c.Offer(s.topic, s.data)
	}
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	wsmetrics.SubOpsTotal.WithLabelValues("unsub").Inc()
	h.mu.Lock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, m := range h.subs {
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Subscribers 某个 topic 当前的连接数
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Publish：把 payload 广播给 topic 的所有订阅者。
// 对每个 conn 都是非阻塞 Offer；慢客户端不会卡住广播。
// payload 之后不能再被调用方修改。
func (h *Hub) Publish(topic string, payload []byte) {
	h.mu.Lock()
	h.last[topic] = payload
	conns := make([]*Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	// fanout：每连接 LatestOnly
	for _, c := range conns {
		if !c.Offer(topic, payload) {
			wsmetrics.DroppedTotal.WithLabelValues("closed").Inc()
		}
	}
}

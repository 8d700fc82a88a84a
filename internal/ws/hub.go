package ws

import (
	"encoding/json"
	"sync"

	"vetlink/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 按用户维护在线连接，同一用户允许多端同时在线。
// 事件按用户投递：服务层决定收件人，Hub 只负责扇出到该用户的所有连接。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Client]bool

	// PresenceHook 在某用户第一条连接建立或最后一条连接断开时被调用。
	// 回调在锁外执行，启动时由 main 注入。
	PresenceHook func(userID string, online bool)
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*Client]bool)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set := h.conns[c.userID]
	if set == nil {
		set = make(map[*Client]bool)
		h.conns[c.userID] = set
	}
	first := len(set) == 0
	set[c] = true
	h.mu.Unlock()

	metrics.WsConnections.Inc()
	if first && h.PresenceHook != nil {
		h.PresenceHook(c.userID, true)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	set := h.conns[c.userID]
	last := false
	if set != nil {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			metrics.WsConnections.Dec()
		}
		if len(set) == 0 {
			delete(h.conns, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	if last && h.PresenceHook != nil {
		h.PresenceHook(c.userID, false)
	}
}

// SendToUsers 把事件序列化一次后投递给指定用户的全部连接。
// 发送缓冲已满的连接视为卡死，直接剔除。
func (h *Hub) SendToUsers(userIDs []string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal ws event")
		return
	}

	var stale []*Client
	h.mu.RLock()
	for _, uid := range userIDs {
		for c := range h.conns[uid] {
			select {
			case c.send <- b:
			default:
				stale = append(stale, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.unregister(c)
	}
}

// Online 报告某用户当前是否有存活连接。
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"vetlink/internal/auth"
	"vetlink/internal/config"
	"vetlink/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	db     *gorm.DB
	userID string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundMessage 是客户端经长连接上行的信令。消息收发走 REST，
// 长连接只承载 typing 这类不落库的瞬时信号。
type InboundMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func Serve(h *Hub, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Token via Authorization header or token query param for WS
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.First(&user, "id = ?", claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{hub: h, conn: conn, send: make(chan []byte, 256), db: db, userID: user.ID}
		h.register(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "typing" || in.ConversationID == "" {
			continue
		}
		// typing signal (not persisted), relayed only to the other member
		var peers []string
		err = c.db.Model(&models.ConversationMember{}).
			Where("conversation_id = ? AND user_id <> ?", in.ConversationID, c.userID).
			Pluck("user_id", &peers).Error
		if err != nil || len(peers) == 0 {
			continue
		}
		// sender must actually be a member
		var self int64
		c.db.Model(&models.ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", in.ConversationID, c.userID).
			Count(&self)
		if self == 0 {
			continue
		}
		evt := map[string]interface{}{
			"type":            "typing",
			"conversation_id": in.ConversationID,
			"user_id":         c.userID,
			"is_typing":       in.IsTyping,
		}
		c.hub.SendToUsers(peers, evt)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

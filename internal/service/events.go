package service

import (
	"context"
	"io"
	"time"
)

// ObjectStore 是服务层需要的对象存储能力子集，便于测试替换。
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// EventSink 把事件推送给指定用户的全部在线连接，由 ws.Hub 实现。
type EventSink interface {
	SendToUsers(userIDs []string, v interface{})
}

// MessageDTO 是对外输出的消息数据，也是实时事件的载荷。
type MessageDTO struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           *string   `json:"text"`
	ImageURL       *string   `json:"image_url"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// LastMessageDTO 是会话上的最近一条消息快照。
type LastMessageDTO struct {
	Text     *string    `json:"text"`
	HasImage bool       `json:"has_image"`
	SenderID *string    `json:"sender_id"`
	SentAt   *time.Time `json:"sent_at"`
}

// UserSummary 是嵌入会话列表等处的用户公开信息。
type UserSummary struct {
	ID       string  `json:"id"`
	FullName string  `json:"full_name"`
	Role     string  `json:"role"`
	PhotoURL *string `json:"photo_url"`
}

// ConversationDTO 是单个成员视角的会话数据，Unread 因成员而异。
type ConversationDTO struct {
	ID          string          `json:"id"`
	Other       UserSummary     `json:"other"`
	LastMessage *LastMessageDTO `json:"last_message"`
	Unread      int             `json:"unread"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type messageEvent struct {
	Type    string     `json:"type"`
	Message MessageDTO `json:"message"`
}

type conversationEvent struct {
	Type         string          `json:"type"`
	Conversation ConversationDTO `json:"conversation"`
}

type presenceEvent struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"vetlink/internal/metrics"
	"vetlink/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 消息正文的长度上限（按 rune 计）
const maxMessageRunes = 2000

const listLimitDefault, listLimitMax = 50, 200

// MessageService 负责消息的发送、分页读取以及两阶段图片上传。
type MessageService struct {
	db     *gorm.DB
	store  ObjectStore
	events EventSink
}

func NewMessageService(db *gorm.DB, store ObjectStore, events EventSink) *MessageService {
	return &MessageService{db: db, store: store, events: events}
}

// SendText 发送文本消息：落库、刷新会话预览、给对方未读数加一，再推送实时事件。
func (s *MessageService) SendText(ctx context.Context, convID, senderID, text string) (*MessageDTO, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len([]rune(text)) > maxMessageRunes {
		return nil, ErrMessageTooLong
	}

	members, err := conversationMembers(s.db.WithContext(ctx), convID)
	if err != nil {
		return nil, err
	}
	if !isMember(members, senderID) {
		return nil, ErrNotMember
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Text:           &text,
		Status:         models.MessageStatusSent,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return applyPreview(tx, convID, senderID, &text, false, msg.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesSentTotal.Inc()

	dto := messageDTO(msg)
	s.events.SendToUsers(memberIDs(members), messageEvent{Type: "message.created", Message: dto})
	publishConversationUpdate(ctx, s.db, s.events, convID)
	return &dto, nil
}

// SendImage 两阶段发送图片消息：
// 先落一条 uploading 状态的占位行，接收端可立即渲染占位；
// 对象上传成功后把同一行改成 sent 并带上下载地址，失败则标记 failed。
// 占位行不计入未读，也不改会话预览，直到上传成功。
func (s *MessageService) SendImage(ctx context.Context, convID, senderID string, r io.Reader, size int64, contentType string) (*MessageDTO, error) {
	members, err := conversationMembers(s.db.WithContext(ctx), convID)
	if err != nil {
		return nil, err
	}
	if !isMember(members, senderID) {
		return nil, ErrNotMember
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Status:         models.MessageStatusUploading,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	s.events.SendToUsers(memberIDs(members), messageEvent{Type: "message.created", Message: messageDTO(msg)})

	key := fmt.Sprintf("chat_images/%s/%s", convID, msg.ID)
	url, upErr := s.store.Upload(ctx, key, r, size, contentType)
	if upErr != nil {
		log.Error().Err(upErr).Str("conversation", convID).Str("message", msg.ID).Msg("chat image upload failed")
		metrics.ImageUploadsTotal.WithLabelValues("chat", "error").Inc()
		// 归档失败也要记下来，否则占位行会永远停在 uploading
		if derr := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).
			Update("status", models.MessageStatusFailed).Error; derr != nil {
			log.Error().Err(derr).Str("message", msg.ID).Msg("mark message failed")
		}
		msg.Status = models.MessageStatusFailed
		s.events.SendToUsers(memberIDs(members), messageEvent{Type: "message.updated", Message: messageDTO(msg)})
		return nil, ErrUploadFailed
	}
	metrics.ImageUploadsTotal.WithLabelValues("chat", "ok").Inc()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
			"status":    models.MessageStatusSent,
			"image_url": url,
			"image_key": key,
		}).Error; err != nil {
			return err
		}
		return applyPreview(tx, convID, senderID, nil, true, msg.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesSentTotal.Inc()

	msg.Status = models.MessageStatusSent
	msg.ImageURL = &url
	msg.ImageKey = &key
	dto := messageDTO(msg)
	s.events.SendToUsers(memberIDs(members), messageEvent{Type: "message.updated", Message: dto})
	publishConversationUpdate(ctx, s.db, s.events, convID)
	return &dto, nil
}

// applyPreview 在事务内刷新会话的最近消息快照，并给发送者以外的成员未读数加一。
func applyPreview(tx *gorm.DB, convID, senderID string, text *string, hasImage bool, at time.Time) error {
	if err := tx.Model(&models.Conversation{}).Where("id = ?", convID).Updates(map[string]interface{}{
		"last_message_text":  text,
		"last_message_image": hasImage,
		"last_sender_id":     senderID,
		"last_message_at":    at,
		"updated_at":         at,
	}).Error; err != nil {
		return err
	}
	return tx.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id <> ?", convID, senderID).
		Update("unread_count", gorm.Expr("unread_count + 1")).Error
}

// ListByConversation 按时间倒序分页返回消息，beforeID 为上一页最旧一条的消息 ID。
// 游标按 (created_at, id) 复合比较，时间戳相同的消息不会被跨页漏掉。
func (s *MessageService) ListByConversation(ctx context.Context, convID, userID, beforeID string, limit int) ([]MessageDTO, error) {
	members, err := conversationMembers(s.db.WithContext(ctx), convID)
	if err != nil {
		return nil, err
	}
	if !isMember(members, userID) {
		return nil, ErrNotMember
	}

	if limit <= 0 {
		limit = listLimitDefault
	}
	if limit > listLimitMax {
		limit = listLimitMax
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", convID)
	if beforeID != "" {
		var cursor models.Message
		if err := s.db.WithContext(ctx).Select("id", "created_at").
			First(&cursor, "id = ? AND conversation_id = ?", beforeID, convID).Error; err != nil {
			return nil, ErrInvalidCursor
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO(m))
	}
	return out, nil
}

func messageDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

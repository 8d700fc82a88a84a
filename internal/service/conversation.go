package service

import (
	"context"
	"errors"
	"time"

	"vetlink/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ConversationService 封装会话（私聊线程）相关的业务逻辑。
type ConversationService struct {
	db     *gorm.DB
	store  ObjectStore
	events EventSink
}

func NewConversationService(db *gorm.DB, store ObjectStore, events EventSink) *ConversationService {
	return &ConversationService{db: db, store: store, events: events}
}

// PairKey 由两个成员 ID 按字典序拼接，顺序无关，用于唯一约束。
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// FindOrCreate 返回两名成员之间唯一的会话，不存在则创建。
// 创建路径撞上 pair_key 唯一索引时回头再查一次，并发首次建联收敛到同一条线程。
func (s *ConversationService) FindOrCreate(ctx context.Context, callerID, targetID string) (*ConversationDTO, bool, error) {
	if callerID == targetID {
		return nil, false, ErrSelfConversation
	}

	var caller, target models.User
	if err := s.db.WithContext(ctx).First(&caller, "id = ?", callerID).Error; err != nil {
		return nil, false, ErrUserNotFound
	}
	if err := s.db.WithContext(ctx).First(&target, "id = ?", targetID).Error; err != nil {
		return nil, false, ErrUserNotFound
	}
	if caller.Role == models.RoleVet {
		return nil, false, ErrVetCannotInitiate
	}
	if target.Role != models.RoleVet {
		return nil, false, ErrTargetNotVet
	}

	key := PairKey(callerID, targetID)
	if dto, err := s.findByPairKey(ctx, key, callerID, &target); err == nil {
		return dto, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	now := time.Now()
	conv := models.Conversation{ID: uuid.NewString(), PairKey: key}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		members := []models.ConversationMember{
			{ConversationID: conv.ID, UserID: callerID, JoinedAt: now},
			{ConversationID: conv.ID, UserID: targetID, JoinedAt: now},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost the race, the other side created it first
			dto, err2 := s.findByPairKey(ctx, key, callerID, &target)
			if err2 != nil {
				return nil, false, err2
			}
			return dto, false, nil
		}
		return nil, false, err
	}

	return &ConversationDTO{
		ID:        conv.ID,
		Other:     userSummary(target),
		Unread:    0,
		UpdatedAt: conv.UpdatedAt,
	}, true, nil
}

func (s *ConversationService) findByPairKey(ctx context.Context, key, viewerID string, other *models.User) (*ConversationDTO, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Preload("Members").Where("pair_key = ?", key).First(&conv).Error; err != nil {
		return nil, err
	}
	unread := 0
	for _, m := range conv.Members {
		if m.UserID == viewerID {
			unread = m.UnreadCount
		}
	}
	dto := conversationDTO(conv, userSummary(*other), unread)
	return &dto, nil
}

// ListForUser 返回某成员的全部会话，按最近活动倒序，附带未读数与对方信息。
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]ConversationDTO, error) {
	sub := s.db.Model(&models.ConversationMember{}).Select("conversation_id").Where("user_id = ?", userID)
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Preload("Members").Where("id IN (?)", sub).Order("updated_at desc").Find(&convs).Error; err != nil {
		return nil, err
	}

	// 批量取对方用户资料
	otherIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		for _, m := range c.Members {
			if m.UserID != userID {
				otherIDs = append(otherIDs, m.UserID)
			}
		}
	}
	users, err := s.usersByID(ctx, otherIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		var other UserSummary
		unread := 0
		for _, m := range c.Members {
			if m.UserID == userID {
				unread = m.UnreadCount
				continue
			}
			if u, ok := users[m.UserID]; ok {
				other = userSummary(u)
			} else {
				other = UserSummary{ID: m.UserID}
			}
		}
		out = append(out, conversationDTO(c, other, unread))
	}
	return out, nil
}

// MarkRead 将指定成员的未读数原子清零并记录已读时间，不触碰对方的计数。
func (s *ConversationService) MarkRead(ctx context.Context, convID, userID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Updates(map[string]interface{}{"unread_count": 0, "last_read_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", convID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrConversationNotFound
		}
		return ErrNotMember
	}
	s.publishUpdate(ctx, convID)
	return nil
}

type conversationDeletedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// Delete 删除会话及其全部消息，消息图片从对象存储尽力清理。
func (s *ConversationService) Delete(ctx context.Context, convID, userID string) error {
	members, err := conversationMembers(s.db.WithContext(ctx), convID)
	if err != nil {
		return err
	}
	if !isMember(members, userID) {
		return ErrNotMember
	}

	// 分页清理消息，先删图片对象再删行
	for {
		var page []models.Message
		if err := s.db.WithContext(ctx).Where("conversation_id = ?", convID).Order("created_at asc").Limit(100).Find(&page).Error; err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		ids := make([]string, 0, len(page))
		for _, m := range page {
			ids = append(ids, m.ID)
			if m.ImageKey != nil {
				if err := s.store.Delete(ctx, *m.ImageKey); err != nil {
					log.Warn().Err(err).Str("key", *m.ImageKey).Msg("delete chat image")
				}
			}
		}
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if len(page) < 100 {
			break
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", convID).Delete(&models.ConversationMember{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", convID).Delete(&models.Conversation{}).Error
	})
	if err != nil {
		return err
	}

	s.events.SendToUsers(memberIDs(members), conversationDeletedEvent{Type: "conversation.deleted", ConversationID: convID})
	return nil
}

// publishUpdate 按成员逐个推送会话快照（未读数因成员而异）。
func (s *ConversationService) publishUpdate(ctx context.Context, convID string) {
	publishConversationUpdate(ctx, s.db, s.events, convID)
}

func publishConversationUpdate(ctx context.Context, db *gorm.DB, events EventSink, convID string) {
	var conv models.Conversation
	if err := db.WithContext(ctx).Preload("Members").First(&conv, "id = ?", convID).Error; err != nil {
		return
	}
	ids := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		ids = append(ids, m.UserID)
	}
	var users []models.User
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, m := range conv.Members {
		var other UserSummary
		for _, o := range conv.Members {
			if o.UserID != m.UserID {
				if u, ok := byID[o.UserID]; ok {
					other = userSummary(u)
				} else {
					other = UserSummary{ID: o.UserID}
				}
			}
		}
		events.SendToUsers([]string{m.UserID}, conversationEvent{
			Type:         "conversation.updated",
			Conversation: conversationDTO(conv, other, m.UnreadCount),
		})
	}
}

func conversationDTO(c models.Conversation, other UserSummary, unread int) ConversationDTO {
	dto := ConversationDTO{ID: c.ID, Other: other, Unread: unread, UpdatedAt: c.UpdatedAt}
	if c.LastMessageAt != nil {
		dto.LastMessage = &LastMessageDTO{
			Text:     c.LastMessageText,
			HasImage: c.LastMessageImage,
			SenderID: c.LastSenderID,
			SentAt:   c.LastMessageAt,
		}
	}
	return dto
}

func userSummary(u models.User) UserSummary {
	return UserSummary{ID: u.ID, FullName: u.FullName, Role: u.Role, PhotoURL: u.PhotoURL}
}

func (s *ConversationService) usersByID(ctx context.Context, ids []string) (map[string]models.User, error) {
	out := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func conversationMembers(db *gorm.DB, convID string) ([]models.ConversationMember, error) {
	var members []models.ConversationMember
	if err := db.Where("conversation_id = ?", convID).Find(&members).Error; err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrConversationNotFound
	}
	return members, nil
}

func isMember(members []models.ConversationMember, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func memberIDs(members []models.ConversationMember) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.UserID)
	}
	return out
}

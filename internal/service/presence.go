package service

import (
	"context"
	"errors"
	"time"

	"vetlink/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceService 把长连接的建立与断开镜像到数据库，并通知相关会话的对端。
type PresenceService struct {
	db     *gorm.DB
	events EventSink
}

func NewPresenceService(db *gorm.DB, events EventSink) *PresenceService {
	return &PresenceService{db: db, events: events}
}

// HandleConnection 在用户的第一条连接建立或最后一条连接断开时被 ws.Hub 回调。
// 连接计数由 Hub 维护，这里只负责落库与广播。
func (s *PresenceService) HandleConnection(userID string, online bool) {
	now := time.Now()
	p := models.Presence{UserID: userID, Online: online, LastSeen: now}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "last_seen"}),
	}).Create(&p).Error
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("presence upsert failed")
		return
	}

	peers, err := s.peerIDs(userID)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("presence peer lookup failed")
		return
	}
	if len(peers) > 0 {
		s.events.SendToUsers(peers, presenceEvent{Type: "presence", UserID: userID, Online: online, LastSeen: now})
	}
}

// peerIDs 找出与该用户共享至少一个会话的全部对端。
func (s *PresenceService) peerIDs(userID string) ([]string, error) {
	sub := s.db.Model(&models.ConversationMember{}).Select("conversation_id").Where("user_id = ?", userID)
	var peers []string
	err := s.db.Model(&models.ConversationMember{}).Distinct("user_id").
		Where("conversation_id IN (?) AND user_id <> ?", sub, userID).
		Pluck("user_id", &peers).Error
	return peers, err
}

// Get 返回某用户的在线状态，从未建立过连接的用户视为离线。
func (s *PresenceService) Get(ctx context.Context, userID string) (*models.Presence, error) {
	var p models.Presence
	err := s.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Presence{UserID: userID, Online: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"vetlink/internal/metrics"
	"vetlink/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pulseTitleMin = 3
	pulseTitleMax = 120
	pulseDescMax  = 2000
)

// PulseService 管理社区 Pulse 帖子与一人一票的 pulse 反应。
type PulseService struct {
	db     *gorm.DB
	store  ObjectStore
	events EventSink
}

func NewPulseService(db *gorm.DB, store ObjectStore, events EventSink) *PulseService {
	return &PulseService{db: db, store: store, events: events}
}

// PulseDTO 是对外输出的帖子数据。Pulsed 表示查询者是否已 pulse 过。
type PulseDTO struct {
	ID             string      `json:"id"`
	Author         UserSummary `json:"author"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Category       string      `json:"category"`
	PhotoURL       *string     `json:"photo_url"`
	Edited         bool        `json:"edited"`
	PulseCount     int         `json:"pulse_count"`
	Pulsed         bool        `json:"pulsed"`
	LastActivityAt *time.Time  `json:"last_activity_at"`
	CreatedAt      time.Time   `json:"created_at"`
}

// PulseInput 创建与更新共用的帖子内容。
type PulseInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

func validCategory(c string) bool {
	switch c {
	case models.PulseCategoryAlert, models.PulseCategoryTips, models.PulseCategorySuggestion:
		return true
	}
	return false
}

func validatePulseInput(in *PulseInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if n := len([]rune(in.Title)); n < pulseTitleMin || n > pulseTitleMax {
		return ErrInvalidPost
	}
	if len([]rune(in.Description)) > pulseDescMax {
		return ErrInvalidPost
	}
	if !validCategory(in.Category) {
		return ErrInvalidPost
	}
	return nil
}

// Create 发布帖子。配图先上传，对象 key 与帖子 ID 绑定。
func (s *PulseService) Create(ctx context.Context, authorID string, in PulseInput, photo io.Reader, photoSize int64, contentType string) (*PulseDTO, error) {
	if err := validatePulseInput(&in); err != nil {
		return nil, err
	}

	post := models.PulsePost{
		ID:          uuid.NewString(),
		AuthorID:    authorID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
	}

	if photo != nil {
		key := fmt.Sprintf("pulse_images/%s", post.ID)
		url, err := s.store.Upload(ctx, key, photo, photoSize, contentType)
		if err != nil {
			metrics.ImageUploadsTotal.WithLabelValues("pulse", "error").Inc()
			return nil, ErrUploadFailed
		}
		metrics.ImageUploadsTotal.WithLabelValues("pulse", "ok").Inc()
		post.PhotoURL = &url
		post.PhotoKey = &key
	}

	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		return nil, err
	}
	return s.dto(ctx, post, authorID)
}

// Update 仅作者可编辑，编辑后带 edited 标记。replacePhoto 为真时换图或去图。
func (s *PulseService) Update(ctx context.Context, postID, userID string, in PulseInput, replacePhoto bool, photo io.Reader, photoSize int64, contentType string) (*PulseDTO, error) {
	if err := validatePulseInput(&in); err != nil {
		return nil, err
	}
	var post models.PulsePost
	if err := s.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		return nil, ErrPostNotFound
	}
	if post.AuthorID != userID {
		return nil, ErrNotOwner
	}

	updates := map[string]interface{}{
		"title":       in.Title,
		"description": in.Description,
		"category":    in.Category,
		"edited":      true,
	}

	if replacePhoto {
		if post.PhotoKey != nil {
			if err := s.store.Delete(ctx, *post.PhotoKey); err != nil {
				log.Warn().Err(err).Str("key", *post.PhotoKey).Msg("delete pulse photo")
			}
		}
		if photo != nil {
			key := fmt.Sprintf("pulse_images/%s", post.ID)
			url, err := s.store.Upload(ctx, key, photo, photoSize, contentType)
			if err != nil {
				metrics.ImageUploadsTotal.WithLabelValues("pulse", "error").Inc()
				return nil, ErrUploadFailed
			}
			metrics.ImageUploadsTotal.WithLabelValues("pulse", "ok").Inc()
			updates["photo_url"] = url
			updates["photo_key"] = key
		} else {
			updates["photo_url"] = nil
			updates["photo_key"] = nil
		}
	}

	if err := s.db.WithContext(ctx).Model(&post).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		return nil, err
	}
	return s.dto(ctx, post, userID)
}

// Delete 仅作者可删，连同反应记录与配图对象一起清理。
func (s *PulseService) Delete(ctx context.Context, postID, userID string) error {
	var post models.PulsePost
	if err := s.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		return ErrPostNotFound
	}
	if post.AuthorID != userID {
		return ErrNotOwner
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&models.PulseReaction{}).Error; err != nil {
			return err
		}
		return tx.Delete(&post).Error
	})
	if err != nil {
		return err
	}

	if post.PhotoKey != nil {
		if err := s.store.Delete(ctx, *post.PhotoKey); err != nil {
			log.Warn().Err(err).Str("key", *post.PhotoKey).Msg("delete pulse photo")
		}
	}
	return nil
}

func (s *PulseService) Get(ctx context.Context, postID, viewerID string) (*PulseDTO, error) {
	var post models.PulsePost
	if err := s.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		return nil, ErrPostNotFound
	}
	return s.dto(ctx, post, viewerID)
}

// Pulse 帖子列表排序方式。
const (
	PulseSortRecent = "recent"
	PulseSortTop    = "top"
)

// List 返回帖子流。sort 为 top 时按 pulse 数倒序，否则按发布时间倒序。
// before 为上一页最后一条的 created_at，仅 recent 排序支持游标。
func (s *PulseService) List(ctx context.Context, viewerID, category, sort string, before *time.Time, limit int) ([]PulseDTO, error) {
	if limit <= 0 || limit > listLimitMax {
		limit = listLimitDefault
	}
	q := s.db.WithContext(ctx).Model(&models.PulsePost{})
	if category != "" {
		if !validCategory(category) {
			return nil, ErrInvalidPost
		}
		q = q.Where("category = ?", category)
	}
	if sort == PulseSortTop {
		q = q.Order("pulse_count desc, created_at desc")
	} else {
		if before != nil {
			q = q.Where("created_at < ?", *before)
		}
		q = q.Order("created_at desc")
	}
	var posts []models.PulsePost
	if err := q.Limit(limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	return s.dtos(ctx, posts, viewerID)
}

// ListMine 返回当前用户发布的全部帖子。
func (s *PulseService) ListMine(ctx context.Context, userID string) ([]PulseDTO, error) {
	var posts []models.PulsePost
	if err := s.db.WithContext(ctx).Where("author_id = ?", userID).Order("created_at desc").Find(&posts).Error; err != nil {
		return nil, err
	}
	return s.dtos(ctx, posts, userID)
}

// Toggle 切换当前用户对帖子的 pulse 状态，返回最新的 pulsed 与计数。
// 帖子行加行锁，计数与反应行在同一事务内变化，计数不会降到负数。
func (s *PulseService) Toggle(ctx context.Context, postID, userID string) (bool, int, error) {
	var pulsed bool
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post models.PulsePost
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&post, "id = ?", postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPostNotFound
			}
			return err
		}

		now := time.Now()
		var reaction models.PulseReaction
		err := tx.Where("post_id = ? AND user_id = ?", postID, userID).First(&reaction).Error
		switch {
		case err == nil:
			// 已 pulse，撤销
			if err := tx.Delete(&reaction).Error; err != nil {
				return err
			}
			post.PulseCount--
			if post.PulseCount < 0 {
				post.PulseCount = 0
			}
			pulsed = false
		case errors.Is(err, gorm.ErrRecordNotFound):
			reaction = models.PulseReaction{PostID: postID, UserID: userID}
			if err := tx.Create(&reaction).Error; err != nil {
				return err
			}
			post.PulseCount++
			pulsed = true
		default:
			return err
		}

		count = post.PulseCount
		return tx.Model(&models.PulsePost{}).Where("id = ?", postID).Updates(map[string]interface{}{
			"pulse_count":      post.PulseCount,
			"last_activity_at": &now,
		}).Error
	})
	if err != nil {
		return false, 0, err
	}
	metrics.PulseTogglesTotal.Inc()
	return pulsed, count, nil
}

// MyState 查询当前用户是否 pulse 过某帖子。
func (s *PulseService) MyState(ctx context.Context, postID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.PulseReaction{}).
		Where("post_id = ? AND user_id = ?", postID, userID).Count(&count).Error
	return count > 0, err
}

// MyStates 批量查询，供帖子流一次性渲染 pulsed 状态。
func (s *PulseService) MyStates(ctx context.Context, postIDs []string, userID string) (map[string]bool, error) {
	out := make(map[string]bool, len(postIDs))
	for _, id := range postIDs {
		out[id] = false
	}
	if len(postIDs) == 0 {
		return out, nil
	}
	var pulsed []string
	err := s.db.WithContext(ctx).Model(&models.PulseReaction{}).
		Where("post_id IN ? AND user_id = ?", postIDs, userID).
		Pluck("post_id", &pulsed).Error
	if err != nil {
		return nil, err
	}
	for _, id := range pulsed {
		out[id] = true
	}
	return out, nil
}

func (s *PulseService) dto(ctx context.Context, post models.PulsePost, viewerID string) (*PulseDTO, error) {
	dtos, err := s.dtos(ctx, []models.PulsePost{post}, viewerID)
	if err != nil {
		return nil, err
	}
	return &dtos[0], nil
}

func (s *PulseService) dtos(ctx context.Context, posts []models.PulsePost, viewerID string) ([]PulseDTO, error) {
	authorIDs := make([]string, 0, len(posts))
	postIDs := make([]string, 0, len(posts))
	for _, p := range posts {
		authorIDs = append(authorIDs, p.AuthorID)
		postIDs = append(postIDs, p.ID)
	}

	authors := map[string]models.User{}
	if len(authorIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Where("id IN ?", authorIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			authors[u.ID] = u
		}
	}

	states := map[string]bool{}
	if viewerID != "" {
		var err error
		states, err = s.MyStates(ctx, postIDs, viewerID)
		if err != nil {
			return nil, err
		}
	}

	out := make([]PulseDTO, 0, len(posts))
	for _, p := range posts {
		var author UserSummary
		if u, ok := authors[p.AuthorID]; ok {
			author = userSummary(u)
		} else {
			// 作者已注销
			author = UserSummary{ID: p.AuthorID}
		}
		out = append(out, PulseDTO{
			ID:             p.ID,
			Author:         author,
			Title:          p.Title,
			Description:    p.Description,
			Category:       p.Category,
			PhotoURL:       p.PhotoURL,
			Edited:         p.Edited,
			PulseCount:     p.PulseCount,
			Pulsed:         states[p.ID],
			LastActivityAt: p.LastActivityAt,
			CreatedAt:      p.CreatedAt,
		})
	}
	return out, nil
}

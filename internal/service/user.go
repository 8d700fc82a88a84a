package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"vetlink/internal/auth"
	"vetlink/internal/config"
	"vetlink/internal/metrics"
	"vetlink/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserService 负责账号注册登录、令牌轮换与用户资料。
type UserService struct {
	db    *gorm.DB
	store ObjectStore
	cfg   config.Config
}

func NewUserService(db *gorm.DB, store ObjectStore, cfg config.Config) *UserService {
	return &UserService{db: db, store: store, cfg: cfg}
}

// TokenPair 是一次签发的访问令牌与刷新令牌。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RegisterInput 注册参数。兽医角色可附带执业信息。
type RegisterInput struct {
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	FullName    string   `json:"full_name"`
	Role        string   `json:"role"`
	Specialties []string `json:"specialties"`
	ClinicName  string   `json:"clinic_name"`
	Bio         string   `json:"bio"`
}

func validRegisterRole(role string) bool {
	switch role {
	case models.RoleFarmer, models.RoleStudent, models.RoleParavet, models.RoleVet:
		return true
	}
	return false
}

// Register 创建新账号并签发令牌。邮箱唯一索引兜底并发重复注册。
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, *TokenPair, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	name := strings.TrimSpace(in.FullName)
	if email == "" || name == "" {
		return nil, nil, ErrInvalidCredentials
	}
	if len(in.Password) < 8 {
		return nil, nil, ErrWeakPassword
	}
	if !validRegisterRole(in.Role) {
		return nil, nil, ErrInvalidRole
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, nil, err
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     name,
		PasswordHash: hash,
		Role:         in.Role,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if user.Role == models.RoleVet {
			profile := models.VetProfile{
				UserID:      user.ID,
				Specialties: in.Specialties,
				ClinicName:  strings.TrimSpace(in.ClinicName),
				Bio:         strings.TrimSpace(in.Bio),
			}
			return tx.Create(&profile).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, ErrEmailInUse
		}
		return nil, nil, err
	}

	pair, err := s.issueTokens(ctx, &user)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("user", user.ID).Str("role", user.Role).Msg("user registered")
	return &user, pair, nil
}

// Login 校验邮箱密码并签发新令牌对。
func (s *UserService) Login(ctx context.Context, email, password string) (*models.User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		// 不区分账号不存在与密码错误
		return nil, nil, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}
	pair, err := s.issueTokens(ctx, &user)
	if err != nil {
		return nil, nil, err
	}
	return &user, pair, nil
}

// RefreshTokens 轮换刷新令牌：旧令牌作废与新令牌签发在同一事务内完成。
func (s *UserService) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	rt, err := auth.ValidateRefreshToken(s.db.WithContext(ctx), refreshToken)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", rt.UserID).Error; err != nil {
		return nil, ErrInvalidCredentials
	}

	access, err := auth.GenerateAccessToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	next, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	expires := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := auth.RevokeRefreshToken(tx, refreshToken); err != nil {
			return err
		}
		return auth.SaveRefreshToken(tx, user.ID, next, expires)
	})
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: next}, nil
}

// Logout 作废指定的刷新令牌。访问令牌留待自然过期。
func (s *UserService) Logout(ctx context.Context, refreshToken string) error {
	return auth.RevokeRefreshToken(s.db.WithContext(ctx), refreshToken)
}

func (s *UserService) issueTokens(ctx context.Context, user *models.User) (*TokenPair, error) {
	access, err := auth.GenerateAccessToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	refresh, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	expires := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), user.ID, refresh, expires); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// ProfileDTO 是对外输出的用户资料，兽医附带执业档案。
type ProfileDTO struct {
	ID         string         `json:"id"`
	Email      string         `json:"email,omitempty"`
	FullName   string         `json:"full_name"`
	Role       string         `json:"role"`
	PhotoURL   *string        `json:"photo_url"`
	CreatedAt  time.Time      `json:"created_at"`
	VetProfile *VetProfileDTO `json:"vet_profile,omitempty"`
}

type VetProfileDTO struct {
	Specialties []string `json:"specialties"`
	ClinicName  string   `json:"clinic_name"`
	Bio         string   `json:"bio"`
	Rating      float64  `json:"rating"`
}

// GetProfile 读取用户资料。includeEmail 仅在本人查询时为真。
func (s *UserService) GetProfile(ctx context.Context, userID string, includeEmail bool) (*ProfileDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, ErrUserNotFound
	}
	dto := ProfileDTO{
		ID:        user.ID,
		FullName:  user.FullName,
		Role:      user.Role,
		PhotoURL:  user.PhotoURL,
		CreatedAt: user.CreatedAt,
	}
	if includeEmail {
		dto.Email = user.Email
	}
	if user.Role == models.RoleVet {
		var vp models.VetProfile
		if err := s.db.WithContext(ctx).First(&vp, "user_id = ?", userID).Error; err == nil {
			dto.VetProfile = &VetProfileDTO{
				Specialties: vp.Specialties,
				ClinicName:  vp.ClinicName,
				Bio:         vp.Bio,
				Rating:      vp.Rating,
			}
		}
	}
	return &dto, nil
}

// UpdateProfileInput 的指针字段为 nil 表示不修改。
type UpdateProfileInput struct {
	FullName    *string  `json:"full_name"`
	Specialties []string `json:"specialties"`
	ClinicName  *string  `json:"clinic_name"`
	Bio         *string  `json:"bio"`
}

func (s *UserService) UpdateProfile(ctx context.Context, userID string, in UpdateProfileInput) (*ProfileDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, ErrUserNotFound
	}
	if in.FullName != nil {
		name := strings.TrimSpace(*in.FullName)
		if name != "" {
			if err := s.db.WithContext(ctx).Model(&user).Update("full_name", name).Error; err != nil {
				return nil, err
			}
		}
	}
	if user.Role == models.RoleVet && (in.Specialties != nil || in.ClinicName != nil || in.Bio != nil) {
		updates := map[string]interface{}{}
		if in.Specialties != nil {
			updates["specialties"] = datatypes.JSONSlice[string](in.Specialties)
		}
		if in.ClinicName != nil {
			updates["clinic_name"] = strings.TrimSpace(*in.ClinicName)
		}
		if in.Bio != nil {
			updates["bio"] = strings.TrimSpace(*in.Bio)
		}
		if err := s.db.WithContext(ctx).Model(&models.VetProfile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.GetProfile(ctx, userID, true)
}

// UploadAvatar 上传头像并更新用户的 photo_url，旧头像对象尽力删除。
func (s *UserService) UploadAvatar(ctx context.Context, userID string, r io.Reader, size int64, contentType string) (string, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return "", ErrUserNotFound
	}

	key := fmt.Sprintf("avatars/%s", userID)
	url, err := s.store.Upload(ctx, key, r, size, contentType)
	if err != nil {
		metrics.ImageUploadsTotal.WithLabelValues("avatar", "error").Inc()
		return "", ErrUploadFailed
	}
	metrics.ImageUploadsTotal.WithLabelValues("avatar", "ok").Inc()

	if err := s.db.WithContext(ctx).Model(&user).Update("photo_url", url).Error; err != nil {
		return "", err
	}
	return url, nil
}

// ListVets 返回兽医列表，支持按姓名前缀过滤。
func (s *UserService) ListVets(ctx context.Context, namePrefix string, limit int) ([]ProfileDTO, error) {
	if limit <= 0 || limit > listLimitMax {
		limit = listLimitDefault
	}
	q := s.db.WithContext(ctx).Where("role = ?", models.RoleVet)
	if p := strings.TrimSpace(namePrefix); p != "" {
		q = q.Where("full_name ILIKE ?", p+"%")
	}
	var users []models.User
	if err := q.Order("full_name asc").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	profiles := map[string]models.VetProfile{}
	if len(ids) > 0 {
		var vps []models.VetProfile
		if err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Find(&vps).Error; err != nil {
			return nil, err
		}
		for _, vp := range vps {
			profiles[vp.UserID] = vp
		}
	}

	out := make([]ProfileDTO, 0, len(users))
	for _, u := range users {
		dto := ProfileDTO{ID: u.ID, FullName: u.FullName, Role: u.Role, PhotoURL: u.PhotoURL, CreatedAt: u.CreatedAt}
		if vp, ok := profiles[u.ID]; ok {
			dto.VetProfile = &VetProfileDTO{Specialties: vp.Specialties, ClinicName: vp.ClinicName, Bio: vp.Bio, Rating: vp.Rating}
		}
		out = append(out, dto)
	}
	return out, nil
}

// DeleteAccount 注销账号：清掉子档案、令牌、在线状态与头像对象。
// 会话、消息与 Pulse 帖子保留，对方仍能看到历史记录。
func (s *UserService) DeleteAccount(ctx context.Context, userID string) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return ErrUserNotFound
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.VetProfile{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Presence{}).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
	if err != nil {
		return err
	}

	if user.PhotoURL != nil {
		if err := s.store.Delete(ctx, fmt.Sprintf("avatars/%s", userID)); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("delete avatar object")
		}
	}
	log.Info().Str("user", userID).Msg("account deleted")
	return nil
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// 用户角色。admin 只能由后台赋予，注册接口不接受。
const (
	RoleFarmer  = "farmer"
	RoleStudent = "student"
	RoleParavet = "paravet"
	RoleVet     = "vet"
	RoleAdmin   = "admin"
)

// 消息投递状态。图片消息先以 uploading 落库，上传完成后改为 sent。
const (
	MessageStatusSent      = "sent"
	MessageStatusUploading = "uploading"
	MessageStatusFailed    = "failed"
)

// Pulse 帖子分类。
const (
	PulseCategoryAlert      = "alert"
	PulseCategoryTips       = "tips"
	PulseCategorySuggestion = "suggestion"
)

type User struct {
	ID           string  `gorm:"type:uuid;primaryKey"`
	Email        string  `gorm:"uniqueIndex;size:190;not null"`
	FullName     string  `gorm:"size:120;not null"`
	PasswordHash string  `gorm:"not null"`
	Role         string  `gorm:"size:20;index;not null"`
	PhotoURL     *string `gorm:"size:500"`
	FCMTokens    datatypes.JSONSlice[string]
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VetProfile 是兽医角色的子档案，账号注销时级联删除。
type VetProfile struct {
	UserID      string `gorm:"type:uuid;primaryKey"`
	Specialties datatypes.JSONSlice[string]
	ClinicName  string `gorm:"size:160"`
	Bio         string `gorm:"type:text"`
	Rating      float64
	UpdatedAt   time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    string    `gorm:"type:uuid;index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Conversation 是两名成员之间唯一的私聊线程。
// PairKey 由两个成员 ID 排序拼接而成，唯一索引保证同一对成员最多一条线程。
type Conversation struct {
	ID               string  `gorm:"type:uuid;primaryKey"`
	PairKey          string  `gorm:"uniqueIndex;size:80;not null"`
	LastMessageText  *string `gorm:"size:2000"`
	LastMessageImage bool
	LastSenderID     *string `gorm:"type:uuid"`
	LastMessageAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`

	Members []ConversationMember `gorm:"foreignKey:ConversationID"`
}

// ConversationMember 持有单个成员视角的未读计数与已读时间。
type ConversationMember struct {
	ConversationID string `gorm:"type:uuid;primaryKey"`
	UserID         string `gorm:"type:uuid;primaryKey;index"`
	UnreadCount    int    `gorm:"not null;default:0"`
	LastReadAt     *time.Time
	JoinedAt       time.Time
}

// Message 归属于唯一的 Conversation。Text 与 ImageURL 至少占其一，
// 仅在 uploading 窗口内允许两者皆空。
type Message struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	ConversationID string    `gorm:"type:uuid;index:idx_msg_conv_created,priority:1;not null"`
	SenderID       string    `gorm:"type:uuid;index;not null"`
	Text           *string   `gorm:"type:text"`
	ImageURL       *string   `gorm:"size:500"`
	ImageKey       *string   `gorm:"size:300"`
	Status         string    `gorm:"size:16;not null"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2"`
}

// Presence 是连接状态在数据库中的镜像，供未建立长连接的客户端查询。
type Presence struct {
	UserID   string `gorm:"type:uuid;primaryKey"`
	Online   bool   `gorm:"not null;default:false"`
	LastSeen time.Time
}

type PulsePost struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	AuthorID       string  `gorm:"type:uuid;index;not null"`
	Title          string  `gorm:"size:120;not null"`
	Description    string  `gorm:"type:text"`
	Category       string  `gorm:"size:20;index;not null"`
	PhotoURL       *string `gorm:"size:500"`
	PhotoKey       *string `gorm:"size:300"`
	Edited         bool    `gorm:"not null;default:false"`
	PulseCount     int     `gorm:"not null;default:0"`
	LastActivityAt *time.Time
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

// PulseReaction 的存在即代表该用户已 pulse 过帖子，不存在即未 pulse。
type PulseReaction struct {
	PostID    string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}

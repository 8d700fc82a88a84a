package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vetlink/internal/auth"
	"vetlink/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// 单张图片上传的大小上限
const maxUploadBytes = 10 << 20 // 10MB

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc     *service.UserService
	convSvc     *service.ConversationService
	msgSvc      *service.MessageService
	presenceSvc *service.PresenceService
	pulseSvc    *service.PulseService
}

func NewHandler(userSvc *service.UserService, convSvc *service.ConversationService, msgSvc *service.MessageService, presenceSvc *service.PresenceService, pulseSvc *service.PulseService) *Handler {
	return &Handler{userSvc: userSvc, convSvc: convSvc, msgSvc: msgSvc, presenceSvc: presenceSvc, pulseSvc: pulseSvc}
}

// statusFor 把业务错误映射为 HTTP 状态码，未识别的错误一律 500。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrEmailInUse):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrSelfConversation),
		errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrMessageTooLong),
		errors.Is(err, service.ErrInvalidCursor),
		errors.Is(err, service.ErrInvalidPost):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrPostNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotMember),
		errors.Is(err, service.ErrNotOwner),
		errors.Is(err, service.ErrVetCannotInitiate),
		errors.Is(err, service.ErrTargetNotVet):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUploadFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error, op string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, tokens, err := h.userSvc.Register(c.Request.Context(), req)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"user":          gin.H{"id": user.ID, "email": user.Email, "full_name": user.FullName, "role": user.Role},
	})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, tokens, err := h.userSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"user":          gin.H{"id": user.ID, "email": user.Email, "full_name": user.FullName, "role": user.Role},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	tokens, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tokens.AccessToken, "refresh_token": tokens.RefreshToken})
}

// Logout 作废刷新令牌。
func (h *Handler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.userSvc.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		fail(c, err, "logout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteAccount 注销当前账号。
func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.userSvc.DeleteAccount(c.Request.Context(), auth.GetUserID(c)); err != nil {
		fail(c, err, "delete account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Me 返回当前用户的完整资料。
func (h *Handler) Me(c *gin.Context) {
	profile, err := h.userSvc.GetProfile(c.Request.Context(), auth.GetUserID(c), true)
	if err != nil {
		fail(c, err, "get profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

// UpdateMe 更新当前用户资料。
func (h *Handler) UpdateMe(c *gin.Context) {
	var req service.UpdateProfileInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	profile, err := h.userSvc.UpdateProfile(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		fail(c, err, "update profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

func openUpload(c *gin.Context, field string) (multipart.File, *multipart.FileHeader, bool) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return nil, nil, false
	}
	if header.Size > maxUploadBytes {
		_ = file.Close()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, nil, false
	}
	return file, header, true
}

// UploadAvatar 上传当前用户头像。
func (h *Handler) UploadAvatar(c *gin.Context) {
	file, header, ok := openUpload(c, "file")
	if !ok {
		return
	}
	defer file.Close()
	url, err := h.userSvc.UploadAvatar(c.Request.Context(), auth.GetUserID(c), file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		fail(c, err, "upload avatar")
		return
	}
	c.JSON(http.StatusOK, gin.H{"photo_url": url})
}

// GetUser 返回其他用户的公开资料。
func (h *Handler) GetUser(c *gin.Context) {
	profile, err := h.userSvc.GetProfile(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		fail(c, err, "get user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

// GetPresence 返回某用户的在线状态。
func (h *Handler) GetPresence(c *gin.Context) {
	p, err := h.presenceSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "get presence")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": p.UserID, "online": p.Online, "last_seen": p.LastSeen})
}

// ListVets 返回可发起会话的兽医列表。
func (h *Handler) ListVets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	vets, err := h.userSvc.ListVets(c.Request.Context(), c.Query("name"), limit)
	if err != nil {
		fail(c, err, "list vets")
		return
	}
	c.JSON(http.StatusOK, gin.H{"vets": vets})
}

// OpenConversation 找到或创建与目标兽医的会话。
func (h *Handler) OpenConversation(c *gin.Context) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.TargetID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, created, err := h.convSvc.FindOrCreate(c.Request.Context(), auth.GetUserID(c), req.TargetID)
	if err != nil {
		fail(c, err, "open conversation")
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"conversation": conv, "created": created})
}

// ListConversations 返回当前用户的会话列表。
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// MarkRead 清零当前用户在该会话中的未读数。
func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.convSvc.MarkRead(c.Request.Context(), c.Param("id"), auth.GetUserID(c)); err != nil {
		fail(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteConversation 删除会话及其消息。
func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.convSvc.Delete(c.Request.Context(), c.Param("id"), auth.GetUserID(c)); err != nil {
		fail(c, err, "delete conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseBefore(c *gin.Context) (*time.Time, bool) {
	raw := c.Query("before")
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
		return nil, false
	}
	return &t, true
}

// ListMessages 分页返回会话消息，before_id 为上一页最旧一条的消息 ID。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.msgSvc.ListByConversation(c.Request.Context(), c.Param("id"), auth.GetUserID(c), c.Query("before_id"), limit)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage 发送文本消息。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.SendText(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.Text)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// SendImage 发送图片消息，multipart 字段名为 file。
func (h *Handler) SendImage(c *gin.Context) {
	file, header, ok := openUpload(c, "file")
	if !ok {
		return
	}
	defer file.Close()
	msg, err := h.msgSvc.SendImage(c.Request.Context(), c.Param("id"), auth.GetUserID(c), file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		fail(c, err, "send image")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// 空的 multipart.File 直接塞进 io.Reader 接口会变成非 nil 值，这里显式归一。
func ioReaderOrNil(f multipart.File) io.Reader {
	if f == nil {
		return nil
	}
	return f
}

func pulseInputFromForm(c *gin.Context) service.PulseInput {
	return service.PulseInput{
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Category:    c.PostForm("category"),
	}
}

// CreatePulse 发布帖子，multipart 表单，photo 字段可选。
func (h *Handler) CreatePulse(c *gin.Context) {
	in := pulseInputFromForm(c)

	var (
		photo       multipart.File
		size        int64
		contentType string
	)
	if file, header, err := c.Request.FormFile("photo"); err == nil {
		if header.Size > maxUploadBytes {
			_ = file.Close()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		defer file.Close()
		photo, size, contentType = file, header.Size, header.Header.Get("Content-Type")
	}

	var reader = ioReaderOrNil(photo)
	post, err := h.pulseSvc.Create(c.Request.Context(), auth.GetUserID(c), in, reader, size, contentType)
	if err != nil {
		fail(c, err, "create pulse")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pulse": post})
}

// UpdatePulse 编辑帖子。replace_photo=true 时换图（photo 缺省则去图）。
func (h *Handler) UpdatePulse(c *gin.Context) {
	in := pulseInputFromForm(c)
	replacePhoto := c.PostForm("replace_photo") == "true"

	var (
		photo       multipart.File
		size        int64
		contentType string
	)
	if replacePhoto {
		if file, header, err := c.Request.FormFile("photo"); err == nil {
			if header.Size > maxUploadBytes {
				_ = file.Close()
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
				return
			}
			defer file.Close()
			photo, size, contentType = file, header.Size, header.Header.Get("Content-Type")
		}
	}

	post, err := h.pulseSvc.Update(c.Request.Context(), c.Param("id"), auth.GetUserID(c), in, replacePhoto, ioReaderOrNil(photo), size, contentType)
	if err != nil {
		fail(c, err, "update pulse")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pulse": post})
}

// DeletePulse 删除帖子。
func (h *Handler) DeletePulse(c *gin.Context) {
	if err := h.pulseSvc.Delete(c.Request.Context(), c.Param("id"), auth.GetUserID(c)); err != nil {
		fail(c, err, "delete pulse")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetPulse 返回单个帖子。
func (h *Handler) GetPulse(c *gin.Context) {
	post, err := h.pulseSvc.Get(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "get pulse")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pulse": post})
}

// ListPulses 返回帖子流。
func (h *Handler) ListPulses(c *gin.Context) {
	before, ok := parseBefore(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	posts, err := h.pulseSvc.List(c.Request.Context(), auth.GetUserID(c), c.Query("category"), c.Query("sort"), before, limit)
	if err != nil {
		fail(c, err, "list pulses")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pulses": posts})
}

// ListMyPulses 返回当前用户发布的帖子。
func (h *Handler) ListMyPulses(c *gin.Context) {
	posts, err := h.pulseSvc.ListMine(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list my pulses")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pulses": posts})
}

// TogglePulse 切换当前用户对帖子的 pulse 状态。
func (h *Handler) TogglePulse(c *gin.Context) {
	pulsed, count, err := h.pulseSvc.Toggle(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "toggle pulse")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pulsed": pulsed, "pulse_count": count})
}

// PulseState 查询当前用户是否 pulse 过帖子。
func (h *Handler) PulseState(c *gin.Context) {
	pulsed, err := h.pulseSvc.MyState(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "pulse state")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pulsed": pulsed})
}

// PulseStates 批量查询 pulsed 状态。
func (h *Handler) PulseStates(c *gin.Context) {
	var req struct {
		PostIDs []string `json:"post_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	states, err := h.pulseSvc.MyStates(c.Request.Context(), req.PostIDs, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "pulse states")
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

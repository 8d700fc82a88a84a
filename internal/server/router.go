package server

import (
	"net/http"

	"vetlink/internal/auth"
	"vetlink/internal/config"
	"vetlink/internal/metrics"
	"vetlink/internal/mw"
	"vetlink/internal/service"
	"vetlink/internal/storage"
	"vetlink/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, store *storage.Store) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	// 控制单个 IP+路由的速率，移动端轮询也压不垮服务。
	r.Use(mw.RateLimit(mw.QuotaDefault))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	userSvc := service.NewUserService(db, store, cfg)
	convSvc := service.NewConversationService(db, store, hub)
	msgSvc := service.NewMessageService(db, store, hub)
	presenceSvc := service.NewPresenceService(db, hub)
	pulseSvc := service.NewPulseService(db, store, hub)
	hub.PresenceHook = presenceSvc.HandleConnection

	h := NewHandler(userSvc, convSvc, msgSvc, presenceSvc, pulseSvc)

	api := r.Group("/api/v1")

	// 凭据接口单独收紧，压低撞库与令牌爆破的速度。
	authAPI := api.Group("/auth", mw.RateLimit(mw.QuotaAuth))
	authAPI.POST("/register", h.Register)
	authAPI.POST("/login", h.Login)
	authAPI.POST("/refresh", h.RefreshToken)
	authAPI.POST("/logout", h.Logout)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	// 图片上传走更紧的配额
	uploadRL := mw.RateLimit(mw.QuotaUpload)

	authed.DELETE("/account", h.DeleteAccount)
	authed.GET("/users/me", h.Me)
	authed.PUT("/users/me", h.UpdateMe)
	authed.POST("/users/me/avatar", uploadRL, h.UploadAvatar)
	authed.GET("/users/:id", h.GetUser)
	authed.GET("/users/:id/presence", h.GetPresence)
	authed.GET("/vets", h.ListVets)

	authed.POST("/conversations", h.OpenConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.POST("/conversations/:id/read", h.MarkRead)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.GET("/conversations/:id/messages", h.ListMessages)
	authed.POST("/conversations/:id/messages", h.SendMessage)
	authed.POST("/conversations/:id/images", uploadRL, h.SendImage)

	authed.POST("/pulses", uploadRL, h.CreatePulse)
	authed.GET("/pulses", h.ListPulses)
	authed.GET("/pulses/mine", h.ListMyPulses)
	authed.GET("/pulses/:id", h.GetPulse)
	authed.PUT("/pulses/:id", h.UpdatePulse)
	authed.DELETE("/pulses/:id", h.DeletePulse)
	authed.POST("/pulses/:id/pulse", h.TogglePulse)
	authed.GET("/pulses/:id/pulse", h.PulseState)
	authed.POST("/pulses/states", h.PulseStates)

	r.GET("/ws", ws.Serve(hub, db, cfg))

	return r
}

package mw

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Quota 描述一类接口的限速配额。移动端在弱网下会重试，
// 普通读写放得比较宽，凭据与图片上传单独收紧。
type Quota struct {
	Rate  rate.Limit
	Burst int
}

var (
	// QuotaDefault 覆盖全部接口的兜底配额。
	QuotaDefault = Quota{Rate: rate.Every(time.Second / 20), Burst: 40}
	// QuotaAuth 用于注册/登录/刷新，压低撞库速度。
	QuotaAuth = Quota{Rate: rate.Every(time.Second / 2), Burst: 5}
	// QuotaUpload 用于聊天图片、Pulse 配图与头像上传。
	QuotaUpload = Quota{Rate: rate.Every(time.Second), Burst: 3}
)

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按调用方维度（IP+路由）维护令牌桶，闲置的桶定期回收。
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	quota    Quota
	ttl      time.Duration
	stop     chan struct{}
}

func NewLimiter(q Quota, ttl time.Duration) *Limiter {
	return &Limiter{visitors: make(map[string]*visitor), quota: q, ttl: ttl, stop: make(chan struct{})}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.quota.Rate, l.quota.Burst)}
		l.visitors[key] = v
	}
	v.seen = time.Now()
	l.mu.Unlock()
	return v.lim.Allow()
}

func (l *Limiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ttl)
			l.mu.Lock()
			for k, v := range l.visitors {
				if v.seen.Before(cutoff) {
					delete(l.visitors, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (l *Limiter) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// RateLimit 返回按 IP+路由限速的中间件，每个挂载点持有独立的配额。
func RateLimit(q Quota) gin.HandlerFunc {
	l := NewLimiter(q, 2*time.Minute)
	go l.gc()
	return func(c *gin.Context) {
		key := clientIP(c.Request) + "|" + routeKey(c)
		if !l.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func routeKey(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// clientIP 取真实客户端地址。部署在负载均衡后面时以 X-Forwarded-For
// 的第一跳为准，否则退回连接的远端地址。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

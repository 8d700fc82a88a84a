package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// 浏览器端（Expo web、管理页）允许的跨域来源。原生移动端不带 Origin，
	// 不受此限制。
	AllowedOrigins []string

	// 对象存储（聊天图片、Pulse 配图、头像）。
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

// splitOrigins 解析逗号分隔的来源列表，空串得到空列表。
func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func Load() Config {
	port := getenv("APP_PORT", "8080")
	dsn := getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=vetlink port=5432 sslmode=disable TimeZone=UTC")
	secret := getenv("JWT_SECRET", "dev-secret-change-me")
	env := getenv("APP_ENV", "dev")
	accessTTLStr := getenv("ACCESS_TOKEN_TTL_MINUTES", "15")
	refreshTTLDaysStr := getenv("REFRESH_TOKEN_TTL_DAYS", "7")
	accessTTL, _ := strconv.Atoi(accessTTLStr)
	refreshTTL, _ := strconv.Atoi(refreshTTLDaysStr)
	return Config{
		Port:                  port,
		DatabaseDSN:           dsn,
		JWTSecret:             secret,
		Env:                   env,
		AccessTokenTTLMinutes: accessTTL,
		RefreshTokenTTLDays:   refreshTTL,
		AllowedOrigins:        splitOrigins(os.Getenv("CORS_ORIGINS")),
		S3Endpoint:            getenv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:           getenv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:           getenv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:              getenv("S3_BUCKET", "vetlink"),
		S3UseSSL:              os.Getenv("S3_USE_SSL") == "true",
	}
}

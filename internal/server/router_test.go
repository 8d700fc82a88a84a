package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"vetlink/internal/config"
	"vetlink/internal/db"
	"vetlink/internal/storage"
	"vetlink/internal/ws"

	"github.com/gin-gonic/gin"
)

func testConfig() config.Config {
	return config.Config{
		Port: "0", JWTSecret: "secret", Env: "dev",
		AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7,
		S3Endpoint: "localhost:9000", S3AccessKey: "minioadmin", S3SecretKey: "minioadmin", S3Bucket: "vetlink-test",
	}
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=vetlink port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	// client construction does no network I/O
	store, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("storage client: %v", err)
	}
	engine := SetupRouter(cfg, gdb, ws.NewHub(), store)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=vetlink port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	store, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("storage client: %v", err)
	}
	engine := SetupRouter(cfg, gdb, ws.NewHub(), store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

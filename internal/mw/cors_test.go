package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func corsEngine(env string, allowed []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(env, allowed))
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

func TestCORS_NoOriginPassesThrough(t *testing.T) {
	// native mobile clients send no Origin header
	engine := corsEngine("prod", nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty without Origin header", got)
	}
}

func TestCORS_DevEchoesAnyOrigin(t *testing.T) {
	engine := corsEngine("dev", nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:19006")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:19006" {
		t.Errorf("Allow-Origin = %q, want the request origin", got)
	}
}

func TestCORS_ProdAllowlist(t *testing.T) {
	engine := corsEngine("prod", []string{"https://app.vetlink.example"})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.vetlink.example")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.vetlink.example" {
		t.Errorf("Allow-Origin = %q, want the allowlisted origin", got)
	}

	// unknown origin gets no CORS headers on a plain request
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for unknown origin, want empty", got)
	}
	if w.Code != http.StatusOK {
		t.Errorf("plain request status = %d, want 200 (browser enforces)", w.Code)
	}
}

func TestCORS_PreflightRejectedOffAllowlist(t *testing.T) {
	engine := corsEngine("prod", []string{"https://app.vetlink.example"})

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("preflight off allowlist = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.vetlink.example")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight on allowlist = %d, want 204", w.Code)
	}
}

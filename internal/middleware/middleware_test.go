package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupAuthRouter(adminKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", AdminKeyMiddleware(adminKey), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestAdminKeyDisabledPassesThrough(t *testing.T) {
	r := setupAuthRouter("")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAdminKeyRejectsMissingAndWrong(t *testing.T) {
	r := setupAuthRouter("s3cret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("X-Api-Key", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", w.Code)
	}
}

func TestAdminKeyAcceptsHeaderAndBearer(t *testing.T) {
	r := setupAuthRouter("s3cret")

	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("x-api-key: status = %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer: status = %d", w.Code)
	}
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 2)
	r := gin.New()
	r.GET("/y", rl.ByIP(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/y", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst should pass: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request should be limited: %v", codes)
	}
}

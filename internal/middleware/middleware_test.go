package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func limitedEngine(t *testing.T, limit int) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	r := gin.New()
	r.POST("/orders", RedisRateLimit(rdb, limit, time.Minute, zap.NewNop()), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(body))
	})
	return r, mr
}

func post(r http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitPerUser(t *testing.T) {
	r, _ := limitedEngine(t, 2)
	body := `{"user_id":"u1"}`

	assert.Equal(t, http.StatusOK, post(r, body, nil).Code)
	w := post(r, body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	// the handler still sees the body the limiter read
	assert.Equal(t, body, w.Body.String())

	assert.Equal(t, http.StatusTooManyRequests, post(r, body, nil).Code)
	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u2"}`, nil).Code)
}

func TestRateLimitPrefersIdentityHeader(t *testing.T) {
	r, _ := limitedEngine(t, 1)

	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u1"}`, map[string]string{UserHeader: "h1"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(r, `{"user_id":"u2"}`, map[string]string{UserHeader: "h1"}).Code)
	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u1"}`, nil).Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	r, mr := limitedEngine(t, 1)
	mr.SetError("LOADING")

	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u1"}`, nil).Code)
	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u1"}`, nil).Code)
}

func TestAdminToken(t *testing.T) {
	r := gin.New()
	r.GET("/admin", AdminToken("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

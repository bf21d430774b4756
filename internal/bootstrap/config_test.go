package bootstrap

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("INTERNAL_API_TOKEN", "internal")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sbc:", cfg.KeyPrefix)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
	assert.Equal(t, 10*time.Second, cfg.LockSweepInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.ReactionCooldown)
	assert.Equal(t, 256, cfg.ReactionQueueSize)
	assert.Equal(t, 90*time.Second, cfg.ConnStaleAfter)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 24*time.Hour, cfg.RoomIdleTTL)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_KEY_PREFIX", "prod:")
	t.Setenv("LOCK_TTL", "45s")
	t.Setenv("REACTION_COOLDOWN", "1s")
	t.Setenv("DB_HOST", "mysql")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "prod:", cfg.KeyPrefix)
	assert.Equal(t, 45*time.Second, cfg.LockTTL)
	assert.Equal(t, time.Second, cfg.ReactionCooldown)
	assert.Equal(t, "mysql", cfg.DB.Host)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("LOCK_TTL", "forever")
	t.Setenv("REACTION_QUEUE_SIZE", "-1")
	t.Setenv("HEARTBEAT_INTERVAL", "2m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
	assert.Equal(t, 256, cfg.ReactionQueueSize)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval, "heartbeat must stay below the stale cutoff")
}

func TestLoadConfig_RequiredKeys(t *testing.T) {
	for _, key := range []string{"REDIS_ADDR", "JWT_SECRET", "INTERNAL_API_TOKEN"} {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://a.example, https://b.example"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://b.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://b.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://a.example", w.Header().Get("Access-Control-Allow-Origin"))
}

package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", "json", &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("user_id", "u1").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "u1", line["user_id"])
	require.Equal(t, "mailsync", line["service"])

	buf.Reset()
	defLog := New("nonsense", "json", &buf)
	defLog.Debug().Msg("dropped")
	require.Empty(t, buf.String())
}

func TestGinAccessLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinAccessLog(New("info", "json", &buf)))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "/healthz", line["path"])
	require.EqualValues(t, http.StatusNoContent, line["status"])
}

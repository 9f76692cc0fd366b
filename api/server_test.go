package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/wallsignal/pkg/engine"
	"github.com/gregtusar/wallsignal/pkg/models"
)

type fakePipeline struct {
	health    engine.Health
	score     *models.ScoreSnapshot
	signals   []models.SignalEvent
	lastLimit int
}

func (f *fakePipeline) Health() engine.Health { return f.health }

func (f *fakePipeline) LastScore() (models.ScoreSnapshot, bool) {
	if f.score == nil {
		return models.ScoreSnapshot{}, false
	}
	return *f.score, true
}

func (f *fakePipeline) RecentSignals(limit int) []models.SignalEvent {
	f.lastLimit = limit
	return f.signals[:min(limit, len(f.signals))]
}

func newTestServer(p Pipeline, secret string) http.Handler {
	l := logrus.New()
	l.SetOutput(io.Discard)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	return NewServer(p, metrics, l, 0, secret).Handler()
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sign(t *testing.T, method jwt.SigningMethod, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	p := &fakePipeline{health: engine.Health{Synced: true, State: "synced", BufferLen: 3, WallCandidates: 2}}
	rec := get(t, newTestServer(p, ""), "/api/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["synced"])
	assert.Equal(t, 3.0, body["buffer_len"])
	assert.Equal(t, 2.0, body["wall_candidates"])
}

func TestScore(t *testing.T) {
	p := &fakePipeline{}
	h := newTestServer(p, "")

	assert.Equal(t, http.StatusNoContent, get(t, h, "/api/score", "").Code)

	p.score = &models.ScoreSnapshot{PUp: 64, PDown: 36, RoundID: "1700000100"}
	rec := get(t, h, "/api/score", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.ScoreSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 64.0, got.PUp)
	assert.Equal(t, "1700000100", got.RoundID)
}

func TestSignalsLimit(t *testing.T) {
	p := &fakePipeline{signals: []models.SignalEvent{{ID: "b"}, {ID: "a"}}}
	h := newTestServer(p, "")

	tests := []struct {
		query string
		code  int
		limit int
	}{
		{"", http.StatusOK, 50},
		{"?limit=1", http.StatusOK, 1},
		{"?limit=9999", http.StatusOK, 500},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p.lastLimit = 0
			rec := get(t, h, "/api/signals"+tt.query, "")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.limit, p.lastLimit)
		})
	}

	rec := get(t, h, "/api/signals?limit=1", "")
	var got []models.SignalEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestJWTGate(t *testing.T) {
	const secret = "s3cret"
	h := newTestServer(&fakePipeline{signals: []models.SignalEvent{}}, secret)

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health", "").Code, "health stays open")
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "").Code)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/signals", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/signals", "not-a-jwt").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/signals", sign(t, jwt.SigningMethodHS256, "wrong")).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/signals", sign(t, jwt.SigningMethodHS384, secret)).Code)

	good := sign(t, jwt.SigningMethodHS256, secret)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/signals", good).Code)
	assert.Equal(t, http.StatusNoContent, get(t, h, "/api/score", good).Code)
}

func TestPreflightAndMethods(t *testing.T) {
	h := newTestServer(&fakePipeline{}, "secret")

	req := httptest.NewRequest(http.MethodOptions, "/api/score", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/api/health", "/api/score", "/api/signals"} {
		req = httptest.NewRequest(http.MethodPost, path, nil)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/unknown", "").Code)
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/auth"
	"github.com/HanTheDev/welfare-ai-gateway/internal/cache"
	"github.com/HanTheDev/welfare-ai-gateway/internal/db"
	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

const jwtSecret = "admin-test-secret"

type env struct {
	store  *db.MemoryDB
	cache  *cache.Cache
	router *mux.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := db.NewMemoryDB()
	store.GrantRole("ops-1", RoleAdmin)

	c := cache.New(store, zap.NewNop(), cache.Options{TTL: time.Hour})
	svc := NewService(c, store, metrics.NewAggregator(store, nil, nil), zap.NewNop(), nil)

	router := mux.NewRouter()
	NewAdminHandler(svc, auth.NewMiddleware(jwtSecret), zap.NewNop()).RegisterRoutes(router)
	return &env{store: store, cache: c, router: router}
}

func (e *env) seed(t *testing.T, template, version, model string) string {
	t.Helper()
	key := cache.BuildKey(cache.KeyInput{
		PromptTemplateID: template,
		PromptVersion:    version,
		Model:            model,
		Provider:         "openai",
		Payload:          []byte(`{}`),
	})
	e.cache.Put(context.Background(), &models.CacheEntry{
		ContentHash:      key,
		ResponseData:     []byte(`{"ok":true}`),
		Model:            model,
		Provider:         "openai",
		PromptTemplateID: template,
		PromptVersion:    version,
	})
	return key
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, "", jwtSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, bearer, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestInvalidateByPromptOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "P", "v1", "gpt-x")
	keep := e.seed(t, "P", "v2", "gpt-x")

	rec, out := e.do(t, http.MethodPost, "/admin/cache", token(t, "ops-1"),
		`{"action":"invalidate_by_prompt","promptTemplateId":"P","promptVersion":"v1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 1, out["deletedCount"])

	_, ok := e.cache.Get(context.Background(), keep)
	assert.True(t, ok)

	entries, err := e.store.ListAuditEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops-1", entries[0].ActorID)
	assert.Equal(t, "invalidate_by_prompt", entries[0].Action)
	assert.Equal(t, map[string]string{"promptTemplateId": "P", "promptVersion": "v1"}, entries[0].Params)
	assert.Len(t, entries[0].ID, 36)
}

func TestCacheActionStatusCodes(t *testing.T) {
	e := newEnv(t)
	admin := token(t, "ops-1")
	user := token(t, "someone")

	tests := []struct {
		name   string
		bearer string
		body   string
		code   int
	}{
		{"no token", "", `{"action":"flush_all"}`, http.StatusUnauthorized},
		{"not admin", user, `{"action":"flush_all"}`, http.StatusForbidden},
		{"unknown action", admin, `{"action":"drop_tables"}`, http.StatusBadRequest},
		{"malformed body", admin, `{"action":`, http.StatusBadRequest},
		{"bad cache key", admin, `{"action":"invalidate_by_key","cacheKey":"xyz"}`, http.StatusBadRequest},
		{"invalid before role check", user, `{"action":"invalidate_by_model"}`, http.StatusBadRequest},
		{"flush", admin, `{"action":"flush_all"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := e.do(t, http.MethodPost, "/admin/cache", tt.bearer, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				assert.Equal(t, false, out["success"])
				assert.NotEmpty(t, out["error"])
			}
		})
	}

	entries, err := e.store.ListAuditEntries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the successful action is audited")
}

func TestInvalidateByKey(t *testing.T) {
	e := newEnv(t)
	key := e.seed(t, "P", "v1", "gpt-x")
	admin := token(t, "ops-1")

	_, out := e.do(t, http.MethodPost, "/admin/cache", admin, `{"action":"invalidate_by_key","cacheKey":"`+key+`"}`)
	assert.EqualValues(t, 1, out["deletedCount"])

	_, out = e.do(t, http.MethodPost, "/admin/cache", admin, `{"action":"invalidate_by_key","cacheKey":"`+key+`"}`)
	assert.EqualValues(t, 0, out["deletedCount"])
	assert.Equal(t, true, out["success"])
}

func TestReadEndpoints(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "P", "v1", "gpt-x")
	admin := token(t, "ops-1")

	rec, out := e.do(t, http.MethodGet, "/admin/cache/stats", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := out["stats"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["total_entries"])

	rec, _ = e.do(t, http.MethodGet, "/admin/cache/stats", token(t, "nobody"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/admin/metrics/aggregate", admin, `{"date":"2025-01-17"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/admin/metrics/aggregate", admin, `{"date":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = e.do(t, http.MethodGet, "/admin/metrics/daily?from=2025-01-10&to=2025-01-17", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	rec, _ = e.do(t, http.MethodGet, "/admin/metrics/daily?from=2025-01-18&to=2025-01-17", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = e.do(t, http.MethodGet, "/admin/audit?limit=5", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["entries"], 1)
}

type failingAudit struct {
	*db.MemoryDB
}

func (failingAudit) InsertAuditEntry(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func TestAuditFailureDoesNotFailAction(t *testing.T) {
	store := db.NewMemoryDB()
	store.GrantRole("ops-1", RoleAdmin)
	c := cache.New(store, zap.NewNop(), cache.Options{})
	svc := NewService(c, failingAudit{store}, nil, zap.NewNop(), nil)

	res, err := svc.Execute(context.Background(), "ops-1", Request{Action: ActionFlushAll})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRequestValidate(t *testing.T) {
	long := strings.Repeat("a", 257)
	assert.ErrorIs(t, Request{Action: ActionFlushAll, Model: long}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Request{Action: ActionInvalidateByPrompt}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Request{}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Request{Action: ActionInvalidateByKey, CacheKey: strings.Repeat("A", 64)}.Validate(), ErrInvalidRequest)
	assert.NoError(t, Request{Action: ActionInvalidateByKey, CacheKey: strings.Repeat("a", 64)}.Validate())
	assert.NoError(t, Request{Action: ActionInvalidateByModel, Model: "gpt-x"}.Validate())
}

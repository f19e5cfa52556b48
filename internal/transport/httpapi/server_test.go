package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"auth-service/internal/config"
	"auth-service/internal/models"
	"auth-service/internal/service"
	"auth-service/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Файл тестов транспортного слоя (HTTP) поверх настоящего сервисного слоя
// и in-memory хранилища: проверяется сквозное поведение эндпоинтов,
// включая маппинг ошибок и побочные эффекты в хранилище.

// memStorage — потокобезопасная map-реализация storage.Storage.
type memStorage struct {
	mu     sync.Mutex
	users  map[string]*models.User         // email -> user
	byID   map[uuid.UUID]*models.User      // id -> user
	tokens map[string]*models.RefreshToken // hash -> token
}

func newMemStorage() *memStorage {
	return &memStorage{
		users:  make(map[string]*models.User),
		byID:   make(map[uuid.UUID]*models.User),
		tokens: make(map[string]*models.RefreshToken),
	}
}

func (m *memStorage) SaveUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Email]; ok {
		return storage.ErrAlreadyExists
	}
	m.users[user.Email] = user
	m.byID[user.ID] = user
	return nil
}

func (m *memStorage) UserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (m *memStorage) UserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (m *memStorage) SaveRefreshToken(_ context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.RefreshTokenHash]; ok {
		return storage.ErrAlreadyExists
	}
	m.tokens[token.RefreshTokenHash] = token
	return nil
}

func (m *memStorage) RefreshTokenByHash(_ context.Context, hash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.tokens[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return tk, nil
}

func (m *memStorage) DeleteRefreshToken(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, hash)
	return nil
}

func (m *memStorage) DeleteExpiredTokens(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, tk := range m.tokens {
		if !tk.ExpiresAt.After(now) {
			delete(m.tokens, h)
		}
	}
	return nil
}

func (m *memStorage) Close() {}

func (m *memStorage) tokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

var _ storage.Storage = (*memStorage)(nil)

func testCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:       "unit-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 720 * time.Hour,
		Issuer:          "auth-service",
		Audience:        []string{"api-gateway"},
	}
}

func newTestServer(t *testing.T, cfg config.AuthConfig) (http.Handler, *memStorage) {
	t.Helper()
	st := newMemStorage()
	svc := service.New(st, cfg)
	return NewServer(svc, cfg).Handler(), st
}

// doJSON выполняет запрос с JSON-телом против обработчика.
func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

const testPassword = "pw123"

func registerUser(t *testing.T, h http.Handler, email string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": email, "password": testPassword, "name": "Alice",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegister_OK_ThenDuplicate(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": "alice@example.com", "password": testPassword, "name": "Alice",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "New user created", body["msg"])
	_, err := uuid.Parse(body["id"].(string))
	require.NoError(t, err)

	rec = doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": "alice@example.com", "password": testPassword, "name": "Alice",
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": "not-an-email", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": "alice@example.com", "password": "",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestRegister_StrictPasswordPolicy — политика сложности паролей действует
// только при включённом strict_passwords.
func TestRegister_StrictPasswordPolicy(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.StrictPasswords = true

	h, _ := newTestServer(t, cfg)

	rec := doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": "alice@example.com", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Password is too weak", decodeBody(t, rec)["msg"])

	rec = doJSON(t, h, http.MethodPost, "/users", map[string]string{
		"email": "alice@example.com", "password": "Str0ng!pw",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestLogin_OK(t *testing.T) {
	t.Parallel()

	h, st := newTestServer(t, testCfg())
	registerUser(t, h, "alice@example.com")

	rec := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "alice@example.com", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "Login OK", body["msg"])
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["refresh_token"])
	require.EqualValues(t, 900, body["expires_in_seconds"])

	// Refresh-токен durably сохранён к моменту ответа.
	require.Equal(t, 1, st.tokenCount())
}

// TestLogin_UnknownEmailAndWrongPassword_ByteIdentical — ответы на неизвестный
// email и неверный пароль совпадают байт-в-байт (и по коду).
func TestLogin_UnknownEmailAndWrongPassword_ByteIdentical(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())
	registerUser(t, h, "alice@example.com")

	recUnknown := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "ghost@example.com", "password": testPassword,
	}, nil)
	recWrongPW := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "alice@example.com", "password": "Wr0ng!pass",
	}, nil)

	require.Equal(t, http.StatusUnauthorized, recUnknown.Code)
	require.Equal(t, recUnknown.Code, recWrongPW.Code)
	require.Equal(t, recUnknown.Body.Bytes(), recWrongPW.Body.Bytes())
	require.Contains(t, recUnknown.Body.String(), "Authentication failed")
}

func TestRefresh_MissingToken(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Missing refresh token", decodeBody(t, rec)["msg"])
}

func TestRefresh_UnknownToken(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": "never-issued",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid refresh token", decodeBody(t, rec)["msg"])
}

// TestRefresh_Expired_CleansRow — просроченный токен отклоняется с 401 и
// удаляется из хранилища (ленивая очистка обязательна).
func TestRefresh_Expired_CleansRow(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.RefreshTokenTTL = -time.Minute // новые токены рождаются просроченными

	h, st := newTestServer(t, cfg)
	registerUser(t, h, "alice@example.com")

	rec := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "alice@example.com", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := decodeBody(t, rec)["refresh_token"].(string)
	require.Equal(t, 1, st.tokenCount())

	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Refresh token expired", decodeBody(t, rec)["msg"])
	require.Equal(t, 0, st.tokenCount())

	// Повторный refresh тем же значением — уже "invalid", не "expired".
	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid refresh token", decodeBody(t, rec)["msg"])
}

func TestLogout_MissingToken(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodPost, "/users/logout", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestLogout_UnknownToken_Idempotent — logout по неизвестному токену успешен
// и не меняет состояние хранилища.
func TestLogout_UnknownToken_Idempotent(t *testing.T) {
	t.Parallel()

	h, st := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodPost, "/users/logout", map[string]string{
		"refresh_token": "never-issued",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Logged out successfully", decodeBody(t, rec)["msg"])
	require.Equal(t, 0, st.tokenCount())
}

// TestSessionLifecycle — сквозной сценарий:
// регистрация → вход → два refresh тем же токеном (оба успешны, запись
// неизменна) → logout → refresh тем же токеном отклоняется.
func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	h, st := newTestServer(t, testCfg())
	registerUser(t, h, "alice@example.com")

	rec := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "alice@example.com", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	login := decodeBody(t, rec)
	refresh := login["refresh_token"].(string)

	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)
	require.NotEmpty(t, first["access_token"])
	// Без ротации новый refresh-токен не возвращается.
	require.NotContains(t, first, "refresh_token")

	// iat имеет секундную точность: выжидаем, чтобы access-токены различались.
	time.Sleep(1100 * time.Millisecond)

	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	require.NotEmpty(t, second["access_token"])
	require.NotEqual(t, first["access_token"], second["access_token"])

	// Запись refresh-токена не изменилась за два использования.
	require.Equal(t, 1, st.tokenCount())

	rec = doJSON(t, h, http.MethodPost, "/users/logout", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, st.tokenCount())

	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestRefresh_RotationEnabled — при включённой ротации каждый refresh выдаёт
// новое значение, а предъявленное перестаёт действовать.
func TestRefresh_RotationEnabled(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.RotateRefresh = true

	h, st := newTestServer(t, cfg)
	registerUser(t, h, "alice@example.com")

	rec := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "alice@example.com", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	oldRefresh := decodeBody(t, rec)["refresh_token"].(string)

	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": oldRefresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	newRefresh, ok := body["refresh_token"].(string)
	require.True(t, ok)
	require.NotEqual(t, oldRefresh, newRefresh)
	require.Equal(t, 1, st.tokenCount())

	// Старое значение отозвано ротацией.
	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": oldRefresh,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Новое — действует.
	rec = doJSON(t, h, http.MethodPost, "/users/refresh", map[string]string{
		"refresh_token": newRefresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMe_OK(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())
	registerUser(t, h, "alice@example.com")

	rec := doJSON(t, h, http.MethodPost, "/users/login", map[string]string{
		"email": "alice@example.com", "password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	access := decodeBody(t, rec)["access_token"].(string)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+access)

	rec = doJSON(t, h, http.MethodGet, "/users/me", nil, hdr)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "alice@example.com", body["email"])
	require.Equal(t, "Alice", body["name"])
	require.Equal(t, "user", body["role"])
}

func TestMe_Unauthorized(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, testCfg())

	rec := doJSON(t, h, http.MethodGet, "/users/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+strings.Repeat("x", 40))

	rec = doJSON(t, h, http.MethodGet, "/users/me", nil, hdr)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// httpapi содержит реализацию HTTP-эндпоинтов auth-сервиса.
// Здесь выполняется только маппинг данных и ошибок доменного слоя (service) в HTTP.
// Вся валидация и бизнес-логика находятся в пакете service.
//
// Принципы:
//   - Контекст запроса прокидывается в сервис без потерь;
//   - Ошибки сервиса явно транслируются в HTTP-коды:
//   - ErrInvalidEmail/ErrWeakPassword/ErrEmptyPassword -> 400;
//   - ErrEmailTaken -> 409;
//   - ErrInvalidCredentials -> 401 с единым телом "Authentication failed";
//   - ErrInvalidToken/ErrTokenExpired -> 401;
//   - иные ошибки -> 500 c единым безопасным сообщением;
//   - Отсутствующий refresh_token в теле — 400 до обращения к сервису.
//
// Безопасность:
//   - Для 500 наружу не утекают детали внутренних ошибок; подробности должны
//     попадать в логи через middleware на уровне сервера;
//   - Ответ на неудачный вход байт-в-байт одинаков для неизвестного email
//     и неверного пароля.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"auth-service/internal/config"
	"auth-service/internal/service"
)

const (
	msgUserCreated    = "New user created"
	msgLoginOK        = "Login OK"
	msgTokenRefreshed = "Access token refreshed"
	msgLoggedOut      = "Logged out successfully"
	msgAuthFailed     = "Authentication failed"
	msgMissingRefresh = "Missing refresh token"
	msgInvalidRefresh = "Invalid refresh token"
	msgExpiredRefresh = "Refresh token expired"
	msgInternal       = "internal server error"
)

type Server struct {
	service *service.Service
	cfg     config.AuthConfig
	mux     *http.ServeMux
}

// NewServer создаёт HTTP-сервер авторизации поверх сервисного слоя.
func NewServer(svc *service.Service, cfg config.AuthConfig) *Server {
	s := &Server{
		service: svc,
		cfg:     cfg,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /users", s.handleRegister)
	s.mux.HandleFunc("POST /users/login", s.handleLogin)
	s.mux.HandleFunc("POST /users/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /users/logout", s.handleLogout)
	s.mux.Handle("GET /users/me", RequireAuth(svc)(http.HandlerFunc(s.handleMe)))

	return s
}

// Handler возвращает корневой обработчик API (без внешних middleware).
func (s *Server) Handler() http.Handler {
	return s.mux
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type registerResponse struct {
	Msg string `json:"msg"`
	ID  string `json:"id"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Msg              string `json:"msg"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Msg              string `json:"msg"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

type logoutResponse struct {
	Msg string `json:"msg"`
}

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type errorResponse struct {
	Msg string `json:"msg"`
}

// handleRegister регистрирует пользователя.
// Маппинг ошибок:
//   - ErrInvalidEmail/ErrWeakPassword/ErrEmptyPassword -> 400;
//   - ErrEmailTaken -> 409;
//   - прочее -> 500 (без раскрытия деталей).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "Invalid request body"})
		return
	}

	id, err := s.service.RegisterUser(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail),
			errors.Is(err, service.ErrWeakPassword),
			errors.Is(err, service.ErrEmptyPassword):
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: publicValidationMsg(err)})
		case errors.Is(err, service.ErrEmailTaken):
			writeJSON(w, http.StatusConflict, errorResponse{Msg: "Email already taken"})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: msgInternal})
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Msg: msgUserCreated, ID: id.String()})
}

// handleLogin аутентифицирует пользователя и возвращает пару токенов.
// Маппинг ошибок:
//   - ErrInvalidCredentials -> 401 (единое тело для не найденного
//     пользователя и неверного пароля);
//   - прочее -> 500.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "Invalid request body"})
		return
	}

	pair, _, err := s.service.LoginUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: msgAuthFailed})
			return
		}

		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: msgInternal})
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Msg:              msgLoginOK,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		ExpiresInSeconds: int64(s.cfg.AccessTokenTTL.Seconds()),
	})
}

// handleRefresh выпускает новый access-токен по действующему refresh-токену.
// Маппинг ошибок:
//   - пустой refresh_token -> 400;
//   - ErrInvalidToken -> 401 "Invalid refresh token";
//   - ErrTokenExpired -> 401 "Refresh token expired" (просроченная запись
//     к этому моменту уже удалена из хранилища);
//   - прочее -> 500.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "Invalid request body"})
		return
	}

	if req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: msgMissingRefresh})
		return
	}

	pair, _, err := s.service.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenExpired):
			writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: msgExpiredRefresh})
		case errors.Is(err, service.ErrInvalidToken):
			writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: msgInvalidRefresh})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: msgInternal})
		}
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		Msg:         msgTokenRefreshed,
		AccessToken: pair.AccessToken,
		// Заполнено только при включённой ротации refresh-токенов.
		RefreshToken:     pair.RefreshToken,
		ExpiresInSeconds: int64(s.cfg.AccessTokenTTL.Seconds()),
	})
}

// handleLogout отзывает refresh-токен.
// Идемпотентен: неизвестный токен — тоже 200; ошибкой считается только
// отказ хранилища.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "Invalid request body"})
		return
	}

	if req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: msgMissingRefresh})
		return
	}

	if err := s.service.RevokeToken(r.Context(), req.RefreshToken); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: msgInternal})
		return
	}

	writeJSON(w, http.StatusOK, logoutResponse{Msg: msgLoggedOut})
}

// handleMe возвращает claims пользователя из access-токена.
// Identity кладёт в контекст middleware RequireAuth.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: msgAuthFailed})
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:    id.UserID.String(),
		Email: id.Email,
		Name:  id.Name,
		Role:  id.Role,
	})
}

// publicValidationMsg — публичные формулировки валидационных ошибок.
func publicValidationMsg(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		return "Invalid email format"
	case errors.Is(err, service.ErrEmptyPassword):
		return "Password is required"
	case errors.Is(err, service.ErrWeakPassword):
		return "Password is too weak"
	default:
		return "Invalid request"
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

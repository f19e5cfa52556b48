package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"auth-service/internal/pkg/log"
	"auth-service/internal/service"

	"github.com/google/uuid"
)

// Middleware — стандартная сигнатура обёртки обработчика.
type Middleware func(http.Handler) http.Handler

// Chain применяет middleware к обработчику в порядке перечисления
// (первый в списке — самый внешний).
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	return h
}

// statusRecorder перехватывает код ответа для access-лога и метрик.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}

	return r.ResponseWriter.Write(b)
}

// RequestLogger реализует логирование HTTP-запросов с контекстным логгером.
//
// Поведение и формат логов:
//   - Вытягивает X-Request-Id из заголовков, иначе генерирует UUID;
//   - Извлекает peer (RemoteAddr), метод и маршрут;
//   - Кладёт обогащённый *slog.Logger в context (pkg/log), чтобы он был
//     доступен глубже по стеку;
//   - После выполнения обработчика пишет одну строку уровня Info: msg="http",
//     code=<статус>, dur=<время выполнения> — и обновляет метрики.
//
// Безопасность:
//   - Логи не содержат чувствительных данных (только метод/маршрут/peer/request_id);
//   - Если базовый логгер не передан, используется slog.Default() (без паник).
func RequestLogger(base *slog.Logger) Middleware {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rid := r.Header.Get("X-Request-Id")
			if rid == "" {
				rid = uuid.NewString()
			}

			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("peer", r.RemoteAddr),
			)
			ctx := log.Into(r.Context(), l)

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			dur := time.Since(start)

			l.Info("http",
				slog.Int("code", rec.status),
				slog.Duration("dur", dur),
			)

			requestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
			requestDuration.WithLabelValues(r.URL.Path).Observe(dur.Seconds())
		})
	}
}

// Recover перехватывает паники в обработчиках, логирует их и отвечает клиенту
// нейтральной ошибкой 500.
//
// Поведение:
//   - Паника в любом месте стека запроса приводит к логзаписи уровня Error
//     с путём и стеком;
//   - В ответ клиенту уходит {"msg":"internal server error"} без раскрытия
//     внутренних деталей;
//   - Если в контексте уже есть логгер (см. pkg/log), будет использован он;
//     иначе — переданный base (если не nil), либо slog.Default().
func Recover(base *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := log.From(r.Context())
			if l == slog.Default() && base != nil {
				l = base
			}

			defer func() {
				if rec := recover(); rec != nil {
					l.Error("panic_recovered",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(debug.Stack())),
					)

					writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: msgInternal})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// WithTimeout ограничивает время обработки запроса, если у контекста ещё нет
// дедлайна. d <= 0 отключает ограничение.
func WithTimeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := r.Context().Deadline(); ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type identityKey struct{}

// IdentityFrom достаёт удостоверенные claims пользователя из контекста.
func IdentityFrom(ctx context.Context) (*service.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*service.Identity)
	return id, ok && id != nil
}

// RequireAuth проверяет заголовок Authorization: Bearer <access-токен> и кладёт
// Identity в контекст запроса. Невалидный/просроченный/отсутствующий токен —
// 401 с единым телом; хранилище при проверке не затрагивается.
func RequireAuth(svc *service.Service) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, prefix) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: msgAuthFailed})
				return
			}

			id, err := svc.ValidateToken(r.Context(), strings.TrimPrefix(header, prefix))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: msgAuthFailed})
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package middleware

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"clipcast/internal/auth"
	"clipcast/internal/config"
	"clipcast/pkg/logger"
	"clipcast/pkg/response"
)

type contextKey string

const (
	userClaimsKey contextKey = "user_claims"
	userIDKey     contextKey = "user_id"
)

// CORS builds the cross-origin middleware from configuration.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           int(cfg.MaxAge.Seconds()),
	})
}

// Logger emits one structured entry per request start and completion.
func Logger(log *logger.Logger) func(http.Handler) http.Handler {
	return middleware.RequestLogger(&structuredLogger{log})
}

type structuredLogger struct {
	log *logger.Logger
}

func (l *structuredLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	entry := &structuredLoggerEntry{log: l.log.With(
		"method", r.Method,
		"url", r.URL.Path,
		"remote_ip", GetRealIP(r),
		"req_id", middleware.GetReqID(r.Context()),
	)}
	entry.log.Debug("request started")
	return entry
}

type structuredLoggerEntry struct {
	log *logger.Logger
}

func (l *structuredLoggerEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra any) {
	l.log.With(
		"status", status,
		"bytes", bytes,
		"elapsed_ms", float64(elapsed.Nanoseconds())/1e6,
	).Info("request completed")
}

func (l *structuredLoggerEntry) Panic(v any, stack []byte) {
	l.log.With("panic", fmt.Sprintf("%+v", v), "stack", string(stack)).Error("request panicked")
}

// Recovery turns handler panics into 500 responses instead of process death.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.With(
						"error", err,
						"method", r.Method,
						"url", r.URL.Path,
						"remote_ip", GetRealIP(r),
					).Error("panic recovered")
					response.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Security sets the usual defensive response headers.
func Security() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if strings.HasPrefix(r.URL.Path, "/api") {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies a per-IP sliding window limit backed by Redis. A Redis
// failure lets the request through rather than taking the API down.
func RateLimit(rdb *redis.Client, cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := fmt.Sprintf("rate_limit:%s", GetRealIP(r))

			now := time.Now().Unix()
			window := int64(60)

			pipe := rdb.Pipeline()
			pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now-window, 10))
			pipe.ZCard(ctx, key)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: time.Now().UnixNano()})
			pipe.Expire(ctx, key, time.Duration(window)*time.Second)

			results, err := pipe.Exec(ctx)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			count := results[1].(*redis.IntCmd).Val()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMin))
			if count >= int64(cfg.RequestsPerMin) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				response.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(cfg.RequestsPerMin)-count-1, 10))

			next.ServeHTTP(w, r)
		})
	}
}

// Auth requires a valid identity token and stores its claims in the context.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				response.Error(w, "Missing authorization token", http.StatusUnauthorized)
				return
			}

			claims, err := auth.Verify(token, jwtSecret)
			if err != nil {
				response.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// OptionalAuth attaches claims when a valid token is present and lets
// anonymous requests through untouched.
func OptionalAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := extractToken(r); token != "" {
				if claims, err := auth.Verify(token, jwtSecret); err == nil {
					r = r.WithContext(withClaims(r.Context(), claims))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContentType rejects mutating requests whose media type does not match.
func ContentType(contentType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				ct := r.Header.Get("Content-Type")

				if (r.ContentLength == 0 || r.Body == nil) && ct == "" {
					next.ServeHTTP(w, r)
					return
				}

				mt, _, err := mime.ParseMediaType(ct)
				if err != nil || mt != contentType {
					response.Error(w, fmt.Sprintf("Content-Type must be %s", contentType), http.StatusUnsupportedMediaType)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitRequestSize caps request bodies.
func LimitRequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				response.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken pulls the identity token from the Authorization header or,
// for browser websocket clients that cannot set headers, the auth cookie.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func withClaims(ctx context.Context, claims auth.Claims) context.Context {
	ctx = context.WithValue(ctx, userIDKey, claims.UserID)
	return context.WithValue(ctx, userClaimsKey, claims)
}

// GetUserID returns the authenticated user ID, empty when anonymous.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetUserClaims returns the full token claims when present.
func GetUserClaims(ctx context.Context) (auth.Claims, bool) {
	claims, ok := ctx.Value(userClaimsKey).(auth.Claims)
	return claims, ok
}

// GetRealIP resolves the client address behind proxies.
func GetRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/iabetor/pispeak/internal/logger"
)

// withAuth 校验 Bearer token，未配置 token 时放行。
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			logger.Warnf("[api] 缺少 Authorization 头: %s", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			logger.Warnf("[api] Authorization 格式错误: %s", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}
		if parts[1] != s.cfg.Token {
			logger.Warnf("[api] token 无效: %s", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r)
	}
}

// withRateLimit 超出速率时返回 429。
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withLogging 记录每个请求的方法、路径、状态码和耗时。
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start).Round(time.Microsecond)
		if rec.status >= http.StatusInternalServerError {
			logger.Errorf("[api] %s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, elapsed)
			return
		}
		logger.Debugf("[api] %s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, elapsed)
	})
}

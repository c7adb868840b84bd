package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/pkg/logger"
)

// Require 返回要求指定权限的中间件。disabled 模式下直接放行。
func (s *Service) Require(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if xerrors.CodeOf(err) == CodePermissionDenied {
					status = http.StatusForbidden
				}
				logger.Audit().Warn("访问被拒绝",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error_code", string(xerrors.CodeOf(err))),
				)
				deny(w, status, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func deny(w http.ResponseWriter, status int, err error) {
	body := struct {
		Code    xerrors.Code `json:"code"`
		Message string       `json:"message"`
	}{Code: xerrors.CodeOf(err), Message: http.StatusText(status)}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

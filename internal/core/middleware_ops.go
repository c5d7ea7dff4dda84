package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"briefing/internal/types"
)

// OpsAuthMiddleware requires "Authorization: Bearer <OPS_API_KEY>". The
// key is compared in constant time. An X-Operator header, when present,
// names the caller in logs and in the context.
func (s *Server) OpsAuthMiddleware(next http.Handler) http.Handler {
	var expected []byte
	if s.Config != nil {
		expected = []byte(s.Config.Security.OpsAPIKey.Unmask())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "missing operator credentials")
			return
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			s.Logger.Warn("operator authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", extractClientIP(r)),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "invalid operator credentials")
			return
		}

		operator := strings.TrimSpace(r.Header.Get("X-Operator"))
		if operator == "" {
			operator = "ops"
		}
		next.ServeHTTP(w, r.WithContext(types.WithOperator(r.Context(), operator)))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively per RFC 7235.
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   message,
		RequestID: types.GetRequestID(r.Context()),
	}})
}

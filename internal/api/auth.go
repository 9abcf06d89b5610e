package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"articlecast/internal/ratelimit"
)

type ctxKey string

const ctxKeyCaller ctxKey = "caller"

var errUnauthorized = errors.New("invalid or missing credentials")

// GenerateToken signs an HS256 operator token whose subject is the caller
// identity used for throttling.
func GenerateToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(header string) (string, error) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", errUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errUnauthorized
	}
	return token, nil
}

// parseCaller validates raw and returns its subject.
func parseCaller(raw, secret, issuer string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", errUnauthorized
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", errUnauthorized
	}
	return sub, nil
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r.Header.Get("Authorization"))
		if err == nil {
			var caller string
			caller, err = parseCaller(raw, h.cfg.Secret, h.cfg.Issuer)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyCaller, caller)))
				return
			}
		}
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", errUnauthorized.Error())
	})
}

// throttleMiddleware applies the per-caller sliding window. It runs after
// authMiddleware so the caller identity is the token subject.
func throttleMiddleware(win *ratelimit.SlidingWindow) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := win.Allow(callerFromContext(r.Context()))
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", ratelimit.ErrRateLimitExceeded.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyCaller).(string); ok {
		return s
	}
	return ""
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	return middleware.GetReqID(r.Context())
}

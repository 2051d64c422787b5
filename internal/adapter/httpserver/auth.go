package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"

	"github.com/fairyhunter13/invoice-extractor/internal/config"
)

// idTokenValidator verifies a Google-signed OIDC token against an audience.
// Swappable so tests don't need Google's certificate endpoint.
type idTokenValidator func(ctx context.Context, token, audience string) error

func googleIDTokenValidator(ctx context.Context, token, audience string) error {
	_, err := idtoken.Validate(ctx, token, audience)
	return err
}

// TaskAuth guards the worker callback endpoint. Cloud Tasks deployments use
// OIDC tokens minted for the queue's service account ("google" mode);
// self-hosted queues use an HS256 shared secret ("hmac" mode). "off" skips
// verification and is only acceptable in development.
type TaskAuth struct {
	mode     string
	audience string
	secret   []byte
	validate idTokenValidator
}

// NewTaskAuth builds the auth middleware from config.
func NewTaskAuth(cfg config.Config) *TaskAuth {
	if cfg.TaskAuthMode == config.TaskAuthOff {
		slog.Warn("task auth disabled; /api/tasks/process accepts unauthenticated requests")
	}
	return &TaskAuth{
		mode:     cfg.TaskAuthMode,
		audience: cfg.TaskAuthAudience,
		secret:   []byte(cfg.TaskAuthHMACSecret),
		validate: googleIDTokenValidator,
	}
}

// Middleware rejects the request with 401 unless the bearer token passes
// verification for the configured mode.
func (a *TaskAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.mode == config.TaskAuthOff {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "bearer token required")
			return
		}
		switch a.mode {
		case config.TaskAuthGoogle:
			if err := a.validate(r.Context(), token, a.audience); err != nil {
				LoggerFrom(r).Warn("task auth rejected OIDC token", slog.Any("error", err))
				unauthorized(w, "invalid token")
				return
			}
		case config.TaskAuthHMAC:
			if err := a.verifyHMAC(token); err != nil {
				LoggerFrom(r).Warn("task auth rejected HMAC token", slog.Any("error", err))
				unauthorized(w, "invalid token")
				return
			}
		default:
			unauthorized(w, "task auth misconfigured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *TaskAuth) verifyHMAC(token string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	_, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	return err
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHENTICATED", Message: msg}})
}

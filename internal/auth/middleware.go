package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-dealroom/internal/logger"

	"github.com/coreos/go-oidc/v3/oidc"
)

type contextKey string

const userIDKey contextKey = "user_id"

type Options struct {
	// Issuer is the OIDC issuer URL, e.g. http://auth.example.com/realms/marketplace.
	Issuer string
	// DevSecret verifies HS256 tokens when no issuer is configured.
	DevSecret string
	// Operators may resolve disputes and manage stuck workflows.
	Operators []string
}

// Authenticator verifies bearer tokens and puts the subject in the request context.
type Authenticator struct {
	verify    func(ctx context.Context, raw string) (string, error)
	operators map[string]bool
	log       *logger.Logger
}

func NewAuthenticator(ctx context.Context, opts Options, log *logger.Logger) (*Authenticator, error) {
	if log == nil {
		log = logger.Discard()
	}
	a := &Authenticator{operators: map[string]bool{}, log: log}
	for _, id := range opts.Operators {
		a.operators[id] = true
	}

	switch {
	case opts.Issuer != "":
		provider, err := oidc.NewProvider(ctx, opts.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		// SkipClientIDCheck → tokens from any client of the realm are accepted
		verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
		a.verify = func(ctx context.Context, raw string) (string, error) {
			idToken, err := verifier.Verify(ctx, raw)
			if err != nil {
				return "", err
			}
			var claims struct {
				Sub string `json:"sub"`
			}
			if err := idToken.Claims(&claims); err != nil {
				return "", fmt.Errorf("failed to parse claims: %w", err)
			}
			return claims.Sub, nil
		}
		log.Info("AUTH", fmt.Sprintf("Verifying tokens issued by %s", opts.Issuer))
	case opts.DevSecret != "":
		a.verify = func(_ context.Context, raw string) (string, error) {
			return VerifyDevToken(raw, opts.DevSecret)
		}
		log.Warn("AUTH", "OIDC_ISSUER not set, accepting HS256 development tokens")
	default:
		return nil, errors.New("neither OIDC_ISSUER nor AUTH_DEV_SECRET is set")
	}
	return a, nil
}

func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			sub, err := a.verify(r.Context(), rawToken)
			if err != nil || sub == "" {
				a.log.Warn("AUTH", fmt.Sprintf("Rejected token on %s %s: %v", r.Method, r.URL.Path, err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), sub)))
		})
	}
}

// IsOperator reports whether userID may use operator endpoints.
func (a *Authenticator) IsOperator(userID string) bool {
	return a.operators[userID]
}

// RequireOperator rejects requests from users who are not operators.
func (a *Authenticator) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsOperator(UserID(r.Context())) {
			http.Error(w, "operator access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Helper to extract user ID in handlers
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}

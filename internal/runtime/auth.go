package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// LoadJWTSecret resolves the shared JWT secret from config.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Server.JWTSecret != "" {
		return []byte(cfg.Server.JWTSecret), nil
	}
	return nil, errors.New("jwt secret not configured (server.jwt_secret)")
}

// SignJWT issues a signed token for a requester. The permission evaluator
// trusts these claims, so only the identity provider integration may mint
// tokens in production.
func SignJWT(req session.Requester, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": req.UserID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if len(req.Teams) > 0 {
		claims["teams"] = req.Teams
	}
	if req.Location != "" {
		claims["location"] = req.Location
	}
	if req.UserType != "" {
		claims["user_type"] = req.UserType
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware validates JWT tokens from the Authorization header or
// auth cookie and attaches the decoded requester to the request context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil })
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			req, ok := requesterFromClaims(claims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			c.Set("requester", req)
			c.SetRequest(c.Request().WithContext(ContextWithRequester(c.Request().Context(), req)))
			return next(c)
		}
	}
}

func requesterFromClaims(claims jwt.MapClaims) (session.Requester, bool) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return session.Requester{}, false
	}
	req := session.Requester{UserID: sub}
	if loc, ok := claims["location"].(string); ok {
		req.Location = loc
	}
	if ut, ok := claims["user_type"].(string); ok {
		req.UserType = ut
	}
	req.Teams = stringList(claims["teams"])
	return req, true
}

func stringList(raw interface{}) []string {
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type requesterKey struct{}

// ContextWithRequester stores the authenticated requester on a context.
func ContextWithRequester(ctx context.Context, req session.Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, req)
}

// RequesterFromContext returns the requester the auth middleware attached.
func RequesterFromContext(ctx context.Context) (session.Requester, bool) {
	if ctx == nil {
		return session.Requester{}, false
	}
	if v := ctx.Value(requesterKey{}); v != nil {
		if req, ok := v.(session.Requester); ok {
			return req, true
		}
	}
	return session.Requester{}, false
}

// RequesterFromEcho returns the requester for a handler's echo context.
func RequesterFromEcho(c echo.Context) (session.Requester, bool) {
	if raw := c.Get("requester"); raw != nil {
		if req, ok := raw.(session.Requester); ok {
			return req, true
		}
	}
	return RequesterFromContext(c.Request().Context())
}

package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Claims are the bearer credential's claims. Subject is the userId.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation for self-issued tokens.
	SigningKey []byte
}

// JWTMiddleware validates the bearer token and stores the Actor in the
// request context. Tokens whose subject does not carry the role's userId
// prefix are rejected.
func JWTMiddleware(cfg JWTConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			discovered, err := DiscoverJWKSURL(cfg.Issuer)
			if err != nil {
				logger.Error().Err(err).Str("issuer", cfg.Issuer).Msg("OIDC discovery failed")
			}
			url = discovered
		}
		keyFunc = NewJWKSCache(url, defaultJWKSCacheTTL).KeyFunc()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			role, ok := ParseRole(claims.Role)
			if !ok || !ValidUserID(claims.Subject, role) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			actor := Actor{UserID: claims.Subject, Role: role}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// Development identity headers.
const (
	HeaderDevUserID = "X-User-ID"
	HeaderDevRole   = "X-User-Role"
)

// DevAuthMiddleware takes the actor from X-User-ID / X-User-Role. It is only
// wired when ENV=development. Requests without the headers stay anonymous and
// are rejected by RequireRole.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(HeaderDevUserID)
			role, ok := ParseRole(c.Request().Header.Get(HeaderDevRole))
			if id != "" && ok {
				if !ValidUserID(id, role) {
					return echo.NewHTTPError(http.StatusUnauthorized, "user id does not match role")
				}
				ctx := WithActor(c.Request().Context(), Actor{UserID: id, Role: role})
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

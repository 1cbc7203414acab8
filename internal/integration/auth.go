package integration

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// applyAuth attaches the integration's outbound credentials to req. JWT auth
// mints a short-lived HS256 token per request so a leaked token expires
// within a minute.
func applyAuth(req *http.Request, cfg Config, issuer string) error {
	switch cfg.Auth {
	case AuthNone:
		return nil
	case AuthAPIKey:
		header := cfg.Credentials.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cfg.Credentials.APIKey)
		return nil
	case AuthBasic:
		req.SetBasicAuth(cfg.Credentials.Username, cfg.Credentials.Password)
		return nil
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.Credentials.BearerToken)
		return nil
	case AuthJWT:
		tok, err := mintJWT(cfg, issuer, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	default:
		return fmt.Errorf("unsupported auth method %q", cfg.Auth)
	}
}

func mintJWT(cfg Config, issuer string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   issuer,
		Audience:  jwt.ClaimStrings{cfg.Name},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Credentials.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign outbound jwt for %s: %w", cfg.Name, err)
	}
	return signed, nil
}

package association

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID  string
	IsAdmin bool
}

// ActorExtractor resolves the acting user and admin flag from a request.
type ActorExtractor func(r *http.Request) Actor

// ActorExtractorConfig configures the JWT-based actor extractor.
type ActorExtractorConfig struct {
	// SubjectClaim is the claim carrying the user id. Default: "sub".
	SubjectClaim string

	// RoleClaim is the claim path containing the caller's role. Supports
	// dot-notation for nested claims (e.g. "realm_access.roles").
	// Default: "role".
	RoleClaim string

	// AdminRoleValue is the claim value that grants admin rights.
	// Default: "admin".
	AdminRoleValue string

	// PublicKeyPath is the PEM-encoded RSA public key for RS256
	// verification. If empty, tokens are parsed but NOT verified
	// (suitable behind a trusted auth proxy).
	PublicKeyPath string

	// Issuer is the expected iss claim. If empty, not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, not validated.
	Audience string

	Logger *slog.Logger
}

// NewJWTActorExtractor creates an ActorExtractor reading Bearer tokens.
// Missing or invalid tokens yield an anonymous, non-admin actor.
func NewJWTActorExtractor(cfg ActorExtractorConfig) (ActorExtractor, error) {
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.AdminRoleValue == "" {
		cfg.AdminRoleValue = "admin"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key from %s: %w", cfg.PublicKeyPath, err)
		}
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("decode PEM block from %s", cfg.PublicKeyPath)
		}
		parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := parsedKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA (got %T)", parsedKey)
		}
		publicKey = rsaKey
		cfg.Logger.Info("JWT actor extractor: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("JWT actor extractor: no public key configured, tokens parsed without verification (trusted proxy mode)")
	}

	return func(r *http.Request) Actor {
		token := extractBearerToken(r)
		if token == "" {
			return Actor{}
		}
		claims, err := parseJWTClaims(token, publicKey, cfg)
		if err != nil {
			cfg.Logger.Debug("JWT parse failed, treating caller as anonymous", "error", err)
			return Actor{}
		}
		userID, _ := claims[cfg.SubjectClaim].(string)
		return Actor{
			UserID:  userID,
			IsAdmin: claimMatches(claims, cfg.RoleClaim, cfg.AdminRoleValue),
		}
	}, nil
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseJWTClaims parses and optionally verifies a JWT token.
func parseJWTClaims(tokenString string, publicKey *rsa.PublicKey, cfg ActorExtractorConfig) (jwt.MapClaims, error) {
	parserOpts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if publicKey != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, parserOpts...)
	} else {
		parser := jwt.NewParser(parserOpts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// claimMatches walks a dot-notation claim path and reports whether the
// value (string or string array) contains the wanted value.
func claimMatches(claims jwt.MapClaims, claimPath, wanted string) bool {
	parts := strings.Split(claimPath, ".")
	var current interface{} = map[string]interface{}(claims)

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[part]
		if !ok {
			return false
		}
	}

	if strVal, ok := current.(string); ok {
		return strings.EqualFold(strVal, wanted)
	}
	if arrVal, ok := current.([]interface{}); ok {
		for _, v := range arrVal {
			if s, ok := v.(string); ok && strings.EqualFold(s, wanted) {
				return true
			}
		}
	}
	return false
}

package httpapi

import (
	"errors"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"dukaan/backend/internal/domain"
)

// AuthManager verifies bearer tokens issued by the back office and checks
// the manager PIN. It never issues tokens itself.
type AuthManager struct {
	secret     []byte
	managerPIN string
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, managerPIN string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" && !isPasswordHash(managerPIN) {
		hashed, err := hashPassword(managerPIN)
		if err != nil {
			managerPIN = ""
		} else {
			managerPIN = hashed
		}
	}
	return &AuthManager{
		secret:     []byte(secret),
		managerPIN: managerPIN,
	}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithExpirationRequired())
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

// ValidateManagerPIN reports whether pin matches. With no PIN configured
// every check fails, so manager-only actions are disabled.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

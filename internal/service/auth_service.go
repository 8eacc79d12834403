package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes the audiences the identity provider issues for.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
)

// Claims extends JWT standard claims with app-specific fields. The gateway
// does not issue identity itself; it verifies tokens from the platform's
// identity provider and reads the current student id out of them.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	StudentID string    `json:"student_id"`
}

// AuthService validates identity-provider JWTs (shared HS256 secret).
type AuthService struct {
	secret []byte
}

// NewAuthService creates an AuthService with the shared signing secret.
func NewAuthService(secret string) *AuthService {
	return &AuthService{secret: []byte(secret)}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.StudentID == "" {
		claims.StudentID = claims.Subject
	}
	if claims.StudentID == "" {
		return nil, errors.New("token carries no student id")
	}
	return claims, nil
}

// GenerateStudentToken mints a student token. Used by local tooling and
// tests; production tokens come from the identity provider.
func (s *AuthService) GenerateStudentToken(studentID string, expiry time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   studentID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
		TokenType: TokenTypeStudent,
		StudentID: studentID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

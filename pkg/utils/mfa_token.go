package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MFATokenExpiry bounds the window between a successful password check
// and the second-factor verification it unlocks.
const MFATokenExpiry = 5 * time.Minute

var mfaTokenSecret = []byte("change-me-in-production")

func ConfigureMFAToken(secret string) {
	if secret != "" {
		mfaTokenSecret = []byte(secret)
	}
}

// MFAClaims is the payload of a short-lived MFA challenge token. The
// JTI is tracked server-side so a token authorizes exactly one
// second-factor attempt flow.
type MFAClaims struct {
	UserID    uuid.UUID `json:"userID"`
	TokenType string    `json:"tokenType"`
	JTI       string    `json:"jti"`
	jwt.RegisteredClaims
}

func GenerateMFAToken(userID uuid.UUID) (string, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := MFAClaims{
		UserID:    userID,
		TokenType: "mfa_challenge",
		JTI:       jti,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(MFATokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(mfaTokenSecret)
}

func ValidateMFAToken(tokenString string) (*MFAClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MFAClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return mfaTokenSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*MFAClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid MFA token")
	}

	if claims.TokenType != "mfa_challenge" {
		return nil, fmt.Errorf("invalid token type")
	}

	if claims.JTI == "" {
		return nil, fmt.Errorf("missing token ID")
	}

	return claims, nil
}

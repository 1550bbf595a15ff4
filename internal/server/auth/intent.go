package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/server/models"
)

// IntentFile is one pending file inside an upload intent.
type IntentFile struct {
	ClientID   string `json:"cid"`
	Name       string `json:"name"`
	MimeType   string `json:"mime"`
	Size       int64  `json:"size"`
	StorageKey string `json:"key"`
}

// IntentClaims is the whole pending batch. ID holds the intent id and
// Subject the issuing principal.
type IntentClaims struct {
	jwt.RegisteredClaims
	Session models.SessionMeta `json:"session"`
	Files   []IntentFile       `json:"files"`
}

// SignIntent stamps issue and expiry times on c and signs it.
func SignIntent(c *IntentClaims, secretKey []byte, ttl time.Duration) (string, error) {
	issued := time.Now()
	c.IssuedAt = jwt.NewNumericDate(issued)
	c.ExpiresAt = jwt.NewNumericDate(issued.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secretKey)
}

// VerifyIntent checks the signature of an intent token. With allowExpired the
// expiry is not enforced, but the signature always is.
func VerifyIntent(tokenString string, secretKey []byte, allowExpired bool) (*IntentClaims, error) {
	claims := &IntentClaims{}

	var opts []jwt.ParserOption
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	if err := parse(tokenString, claims, secretKey, opts...); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.Subject == "" || len(claims.Files) == 0 {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"backoffice/backend/internal/domain"
)

const tokenIssuer = "backoffice"

// Permission keys checked per route.
const (
	PermStockMove = "stock.movement.create"
	PermStockRead = "stock.read"
	PermPOCreate  = "po.create"
	PermPOUpdate  = "po.update"
	PermPOStatus  = "po.status"
	PermPOSettle  = "po.settle"
	PermPORead    = "po.read"
	PermAPRead    = "ap.read"
	PermAuditRead = "audit.read"
)

var allPermissions = []string{
	PermStockMove, PermStockRead, PermPOCreate, PermPOUpdate, PermPOStatus,
	PermPOSettle, PermPORead, PermAPRead, PermAuditRead,
}

var rolePermissions = map[string][]string{
	"owner":      allPermissions,
	"admin":      allPermissions,
	"manager":    allPermissions,
	"purchasing": {PermStockRead, PermPOCreate, PermPOUpdate, PermPOStatus, PermPORead, PermAPRead},
	"accountant": {PermPORead, PermPOSettle, PermAPRead, PermAuditRead},
	"cashier":    {PermStockRead, PermStockMove, PermPORead},
}

// AuthManager verifies bearer tokens issued by the identity service and the
// shared secret used by the scheduler.
type AuthManager struct {
	secret         []byte
	cronSecretHash []byte
}

type accessClaims struct {
	jwtlib.RegisteredClaims
	Role    string `json:"role"`
	StoreID string `json:"store_id"`
}

func NewAuthManager(secret string, cronSecret string) (*AuthManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	manager := &AuthManager{secret: []byte(secret)}
	if cronSecret = strings.TrimSpace(cronSecret); cronSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cronSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash cron secret: %w", err)
		}
		manager.cronSecretHash = hash
	}
	return manager, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &accessClaims{}
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
	if strings.TrimSpace(claims.StoreID) == "" {
		return domain.Actor{}, errors.New("token carries no store")
	}
	return domain.Actor{UserID: sub, Role: strings.ToLower(claims.Role), StoreID: claims.StoreID}, nil
}

// Sign issues a token for actor. Production tokens come from the identity
// service; this exists for local tooling and tests.
func (a *AuthManager) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		Role:    actor.Role,
		StoreID: actor.StoreID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyCronSecret reports whether presented matches the configured cron
// secret. It is always false when none is configured.
func (a *AuthManager) VerifyCronSecret(presented string) bool {
	presented = strings.TrimSpace(presented)
	if presented == "" || len(a.cronSecretHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.cronSecretHash, []byte(presented)) == nil
}

func EnforcePermission(actor domain.Actor, permission string) error {
	for _, granted := range rolePermissions[actor.Role] {
		if granted == permission {
			return nil
		}
	}
	return domain.Forbidden(fmt.Sprintf("role %q lacks permission %s", actor.Role, permission))
}

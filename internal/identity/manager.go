// Package identity derives decentralized identifiers from a secret seed and
// issues the bearer tokens the directory service authenticates requests with.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/host"
)

var (
	// ErrTokenExpired is returned when a token is past its expiry
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken is returned for any other token rejection
	ErrInvalidToken = errors.New("invalid token")
)

// DIDPrefix starts every identifier issued by a Manager.
const DIDPrefix = "did:twinmesh:"

// Claims are carried by bearer tokens. Subject is the agent DID, Issuer the user DID.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager derives identities and signs tokens. It is safe for concurrent use.
type Manager struct {
	config    Config
	signKey   []byte
	now       func() time.Time
	agent     host.Identity
	user      host.Identity
	mu        sync.Mutex
	cached    string
	cachedExp time.Time
}

// NewManager creates a manager from the configuration.
func NewManager(config Config) (*Manager, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		config:  config,
		signKey: derive(config.Seed, "token-signing"),
		now:     time.Now,
	}
	m.agent = host.Identity{DID: m.did("agent", config.AgentKey), KeyName: config.AgentKey, Role: host.RoleAgent}
	m.user = host.Identity{DID: m.did("user", config.UserKey), KeyName: config.UserKey, Role: host.RoleUser}
	return m, nil
}

func derive(seed, purpose string) []byte {
	sum := sha256.Sum256([]byte(seed + "\x00" + purpose))
	return sum[:]
}

func (m *Manager) did(kind, keyName string) string {
	return DIDPrefix + hex.EncodeToString(derive(m.config.Seed, kind+":"+keyName)[:16])
}

// Identity implements host.IdentityProvider. Followers are twins, so both roles
// derive from the same namespace and a key name maps to one DID.
func (m *Manager) Identity(role host.Role, keyName string) (host.Identity, error) {
	switch role {
	case host.RoleAgent:
		return m.agent, nil
	case host.RoleUser:
		return m.user, nil
	case host.RoleFollower, host.RoleTwin:
		keyName = strings.TrimSpace(keyName)
		if keyName == "" {
			return host.Identity{}, ErrEmptyKeyName
		}
		return host.Identity{DID: m.did("twin", keyName), KeyName: keyName, Role: role}, nil
	default:
		return host.Identity{}, fmt.Errorf("unknown role %d", int(role))
	}
}

// IssueToken signs a token for the agent, delegated by the user, valid for the
// configured duration.
func (m *Manager) IssueToken() (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.config.TokenDuration)
	claims := Claims{
		Role: host.RoleAgent.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.agent.DID,
			Issuer:    m.user.DID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Token returns a cached token, issuing a new one once the current token is within
// a tenth of its lifetime from expiry.
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	margin := m.config.TokenDuration / 10
	if m.cached != "" && m.now().Before(m.cachedExp.Add(-margin)) {
		return m.cached, nil
	}
	token, exp, err := m.IssueToken()
	if err != nil {
		return "", err
	}
	m.cached, m.cachedExp = token, exp
	return token, nil
}

// Invalidate drops the cached token so the next Token call issues a fresh one.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = ""
	m.mu.Unlock()
}

// Validator returns a validator accepting tokens signed by this manager's seed.
func (m *Manager) Validator() *Validator {
	return NewValidator(m.config.Seed)
}

// Validator checks tokens issued from a given seed.
type Validator struct {
	signKey []byte
}

// NewValidator creates a validator for tokens derived from seed.
func NewValidator(seed string) *Validator {
	return &Validator{signKey: derive(seed, "token-signing")}
}

// ValidateToken parses and verifies a token, with or without the "Bearer " prefix.
// Expired tokens yield ErrTokenExpired, all other failures ErrInvalidToken.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.signKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

var _ host.IdentityProvider = (*Manager)(nil)

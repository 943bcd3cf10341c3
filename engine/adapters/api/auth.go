package api

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role ranks follow admin ⊇ operator ⊇ viewer ⊇ guest.
type Role string

const (
	RoleGuest    Role = "guest"
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{RoleGuest: 0, RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

// Allows reports whether r satisfies the minimum role.
func (r Role) Allows(min Role) bool { return roleRank[r] >= roleRank[min] }

// Permission names one grantable capability.
type Permission string

const (
	PermSystemAdmin   Permission = "system:admin"
	PermSystemConfig  Permission = "system:config"
	PermSystemMonitor Permission = "system:monitor"
	PermRobotControl  Permission = "robot:control"
	PermRobotMotion   Permission = "robot:motion"
	PermRobotAudio    Permission = "robot:audio"
	PermRobotVideo    Permission = "robot:video"
	PermRobotLEDs     Permission = "robot:leds"
	PermDataRead      Permission = "data:read"
	PermDataWrite     Permission = "data:write"
	PermDataDelete    Permission = "data:delete"
	PermAPIRead       Permission = "api:read"
	PermAPIWrite      Permission = "api:write"
	PermAPIAdmin      Permission = "api:admin"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermSystemAdmin, PermSystemConfig, PermSystemMonitor,
		PermRobotControl, PermRobotMotion, PermRobotAudio, PermRobotVideo, PermRobotLEDs,
		PermDataRead, PermDataWrite, PermDataDelete,
		PermAPIRead, PermAPIWrite, PermAPIAdmin,
	},
	RoleOperator: {
		PermSystemMonitor,
		PermRobotControl, PermRobotMotion, PermRobotAudio, PermRobotVideo, PermRobotLEDs,
		PermDataRead, PermDataWrite,
		PermAPIRead, PermAPIWrite,
	},
	RoleViewer: {PermSystemMonitor, PermDataRead, PermAPIRead},
	RoleGuest:  {PermAPIRead},
}

// HasPermission reports whether the role's grant set includes perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
	Method  string // jwt | api_key | anonymous
}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidToken       = errors.New("invalid token")
	errInvalidAPIKey      = errors.New("invalid api key")
)

type apiKeyRecord struct {
	id         uuid.UUID
	secretHash []byte
	role       Role
	createdAt  time.Time
	revoked    bool
}

// Authenticator validates JWTs and API keys and issues both.
type Authenticator struct {
	secret  []byte
	ttl     time.Duration
	enabled bool

	mu   sync.RWMutex
	keys map[uuid.UUID]*apiKeyRecord
}

// NewAuthenticator builds an authenticator. An empty secret is replaced with
// a random one, which invalidates tokens across restarts but never disables
// validation.
func NewAuthenticator(secret string, ttl time.Duration, enabled bool) *Authenticator {
	raw := []byte(secret)
	if len(raw) == 0 {
		raw = make([]byte, 32)
		_, _ = rand.Read(raw)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: raw, ttl: ttl, enabled: enabled, keys: make(map[uuid.UUID]*apiKeyRecord)}
}

// Enabled reports whether authentication is enforced.
func (a *Authenticator) Enabled() bool { return a.enabled }

// IssueToken creates a signed HS256 JWT for subject with the given role.
func (a *Authenticator) IssueToken(subject string, role Role) (string, error) {
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parseToken(raw string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errInvalidToken
	}
	role := Role(claims.Role)
	if _, known := roleRank[role]; !known {
		role = RoleGuest
	}
	return &Principal{Subject: claims.Subject, Role: role, Method: "jwt"}, nil
}

// CreateAPIKey mints a key for role and returns its presentable form
// "<key-id>.<secret>". Only the bcrypt hash of the secret is retained.
func (a *Authenticator) CreateAPIKey(role Role) (string, error) {
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	secretRaw := make([]byte, 24)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretRaw)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	rec := &apiKeyRecord{id: uuid.New(), secretHash: hash, role: role, createdAt: time.Now()}
	a.mu.Lock()
	a.keys[rec.id] = rec
	a.mu.Unlock()
	return rec.id.String() + "." + secret, nil
}

// RevokeAPIKey invalidates a key by ID.
func (a *Authenticator) RevokeAPIKey(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.keys[id]
	if !ok {
		return false
	}
	rec.revoked = true
	return true
}

func (a *Authenticator) checkAPIKey(presented string) (*Principal, error) {
	idPart, secret, found := strings.Cut(presented, ".")
	if !found {
		return nil, errInvalidAPIKey
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, errInvalidAPIKey
	}
	a.mu.RLock()
	rec := a.keys[id]
	a.mu.RUnlock()
	if rec == nil || rec.revoked {
		return nil, errInvalidAPIKey
	}
	if bcrypt.CompareHashAndPassword(rec.secretHash, []byte(secret)) != nil {
		return nil, errInvalidAPIKey
	}
	return &Principal{Subject: "key:" + id.String(), Role: rec.role, Method: "api_key"}, nil
}

// Authenticate resolves the caller from a Bearer token or X-API-Key header.
// With auth disabled every caller is an anonymous admin.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if !a.enabled {
		return &Principal{Subject: "anonymous", Role: RoleAdmin, Method: "anonymous"}, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		raw := strings.TrimPrefix(h, "Bearer ")
		if raw == h {
			return nil, errMissingCredentials
		}
		return a.parseToken(raw)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.checkAPIKey(key)
	}
	return nil, errMissingCredentials
}

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/logging"
)

const tokenCachePrefix = "auth:token:"

// Validator verifies bearer tokens. Successful validations are cached by
// token hash; revocation is re-checked on every request, cached or not, so
// a logout takes effect immediately.
type Validator struct {
	secret      []byte
	revocations *RevocationSet
	cache       *cache.Cache
	cacheTTL    time.Duration
	parser      *jwt.Parser
}

// NewValidator creates a token validator. c may be nil, disabling the
// validation cache.
func NewValidator(secret string, revocations *RevocationSet, c *cache.Cache, cacheTTL time.Duration) *Validator {
	return &Validator{
		secret:      []byte(secret),
		revocations: revocations,
		cache:       c,
		cacheTTL:    cacheTTL,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// ExtractToken pulls the bearer token from the Authorization header.
// Returns "" when absent or malformed.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

// Validate verifies a token and returns the caller identity. Failures map
// to the unauthorized error taxonomy: missing, expired, invalid signature,
// or revoked.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, errors.ErrTokenMissing
	}

	key := tokenCachePrefix + hashToken(tokenString)

	if id := v.cachedIdentity(ctx, key); id != nil {
		// Revocation outranks the cache.
		if v.revocations.IsRevoked(ctx, id.JTI) {
			v.evict(ctx, key)
			return nil, errors.ErrTokenRevoked
		}
		if time.Now().After(id.Expires) {
			v.evict(ctx, key)
			return nil, errors.ErrTokenExpired
		}
		return id, nil
	}

	id, err := v.verify(tokenString)
	if err != nil {
		return nil, err
	}
	if v.revocations.IsRevoked(ctx, id.JTI) {
		return nil, errors.ErrTokenRevoked
	}

	v.cacheIdentity(ctx, key, id)
	return id, nil
}

// Revoke marks the identity's token id as revoked until the token would
// have expired anyway. Cached validations are overruled on the next check.
func (v *Validator) Revoke(ctx context.Context, id *Identity) error {
	return v.revocations.Revoke(ctx, id.JTI, id.Expires)
}

func (v *Validator) verify(tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrTokenInvalid
	}
	if !token.Valid {
		return nil, errors.ErrTokenInvalid
	}

	id := &Identity{}
	if sub, _ := claims.GetSubject(); sub != "" {
		id.UserID = sub
	} else if uid, ok := claims["user_id"].(string); ok {
		id.UserID = uid
	}
	if username, ok := claims["username"].(string); ok {
		id.Username = username
	}
	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}
	if jti, ok := claims["jti"].(string); ok {
		id.JTI = jti
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.Expires = exp.Time
	}
	if id.UserID == "" {
		return nil, errors.ErrTokenInvalid
	}
	return id, nil
}

// cachedIdentity returns the previously validated identity for this exact
// token, or nil. Cache trouble is a miss, never a failure.
func (v *Validator) cachedIdentity(ctx context.Context, key string) *Identity {
	if v.cache == nil {
		return nil
	}
	val, ok, err := v.cache.Get(ctx, key)
	if err != nil {
		logging.Debug("token cache read failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var id Identity
	if err := json.Unmarshal([]byte(val), &id); err != nil {
		return nil
	}
	return &id
}

// cacheIdentity stores a validated identity. The TTL never outlives the
// token: a token about to expire gets a correspondingly short entry.
func (v *Validator) cacheIdentity(ctx context.Context, key string, id *Identity) {
	if v.cache == nil || v.cacheTTL <= 0 {
		return
	}
	ttl := v.cacheTTL
	if !id.Expires.IsZero() {
		if remaining := time.Until(id.Expires); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, key, string(raw), ttl); err != nil {
		logging.Debug("token cache write failed", zap.Error(err))
	}
}

func (v *Validator) evict(ctx context.Context, key string) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Delete(ctx, key); err != nil {
		logging.Debug("token cache evict failed", zap.Error(err))
	}
}

// Sign issues an HS256 token with the validator's secret. Used by tests and
// by the admin token endpoint.
func (v *Validator) Sign(claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, val := range claims {
		mapClaims[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(v.secret)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

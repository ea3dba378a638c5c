// Package webpush implements the Web Push delivery protocol: VAPID
// sender authentication (RFC 8292), payload encryption (RFC 8291 and the
// legacy aesgcm draft) and delivery to push-service endpoints with
// dead-endpoint pruning.
package webpush

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotConfigured indicates the server has no usable VAPID key pair;
// callers treat push as an unavailable channel, not an error.
var ErrNotConfigured = errors.New("web push is not configured")

// VAPIDConfig is the server's push identity from settings.
type VAPIDConfig struct {
	Subject    string // mailto: admin address
	PublicKey  string // base64url uncompressed P-256 point
	PrivateKey string // base64url 32-byte scalar
}

// Configured reports whether both keys are present.
func (c VAPIDConfig) Configured() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// vapidKeys is a validated, decoded key pair.
type vapidKeys struct {
	subject   string
	publicRaw []byte // 65-byte uncompressed point, as sent on the wire
	publicB64 string
	private   *ecdsa.PrivateKey
	keyHash   string // identifies the pair in header cache keys
}

func validateVAPID(cfg VAPIDConfig) (*vapidKeys, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if !strings.HasPrefix(cfg.Subject, "mailto:") && !strings.HasPrefix(cfg.Subject, "https://") {
		return nil, fmt.Errorf("vapid subject must be a mailto: or https: URI, got %q", cfg.Subject)
	}

	pub, err := decodeBase64URL(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode vapid public key: %w", err)
	}
	if len(pub) != 65 || pub[0] != 0x04 {
		return nil, fmt.Errorf("vapid public key must be a 65-byte uncompressed P-256 point")
	}

	priv, err := decodeBase64URL(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode vapid private key: %w", err)
	}
	if len(priv) != 32 {
		return nil, fmt.Errorf("vapid private key must be 32 bytes, got %d", len(priv))
	}

	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         new(big.Int).SetBytes(priv),
	}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(priv)

	// The public key goes on the wire while the private key signs the
	// JWT; a mismatched pair from settings would make every push fail
	// token verification at the service, so reject it here.
	derived := make([]byte, 65)
	derived[0] = 0x04
	key.PublicKey.X.FillBytes(derived[1:33])
	key.PublicKey.Y.FillBytes(derived[33:65])
	if !bytes.Equal(derived, pub) {
		return nil, fmt.Errorf("vapid public key does not match the private key")
	}

	sum := sha256.Sum256(pub)
	return &vapidKeys{
		subject:   cfg.Subject,
		publicRaw: pub,
		publicB64: base64.RawURLEncoding.EncodeToString(pub),
		private:   key,
		keyHash:   base64.RawURLEncoding.EncodeToString(sum[:8]),
	}, nil
}

// vapidHeaders are the authentication headers for one audience.
type vapidHeaders struct {
	Authorization string
	CryptoKey     string // p256ecdsa segment, aesgcm only
}

const (
	// vapidTokenLifetime is the JWT exp claim offset. Push services
	// accept up to 24h; 12h leaves slack for clock skew.
	vapidTokenLifetime = 12 * time.Hour

	// headerCacheLifetime is how long a signed header is reused. Half
	// the token lifetime so a cached entry is never near expiry.
	headerCacheLifetime = 6 * time.Hour
)

type cachedHeaders struct {
	headers  vapidHeaders
	expireAt time.Time
}

// HeaderCache memoizes signed VAPID headers per (audience, encoding,
// key) tuple. Signing an ES256 JWT per message is the expensive part of a
// push fan-out and the token is valid for hours, so reuse is safe. The
// cache is an explicit object with Invalidate so a long-lived process can
// rotate keys without restarting.
type HeaderCache struct {
	mu      sync.Mutex
	entries map[string]cachedHeaders
}

func NewHeaderCache() *HeaderCache {
	return &HeaderCache{entries: make(map[string]cachedHeaders)}
}

// Invalidate clears every cached header.
func (c *HeaderCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cachedHeaders)
	c.mu.Unlock()
}

func (c *HeaderCache) get(key string) (vapidHeaders, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expireAt) {
		return vapidHeaders{}, false
	}
	return entry.headers, true
}

func (c *HeaderCache) put(key string, h vapidHeaders) {
	c.mu.Lock()
	c.entries[key] = cachedHeaders{headers: h, expireAt: time.Now().Add(headerCacheLifetime)}
	c.mu.Unlock()
}

// headersFor returns signed headers for an audience+encoding, from cache
// when possible.
func (k *vapidKeys) headersFor(cache *HeaderCache, audience, encoding string) (vapidHeaders, error) {
	cacheKey := audience + "#" + encoding + "#" + k.keyHash
	if h, ok := cache.get(cacheKey); ok {
		return h, nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": audience,
		"exp": time.Now().Add(vapidTokenLifetime).Unix(),
		"sub": k.subject,
	})
	signed, err := token.SignedString(k.private)
	if err != nil {
		return vapidHeaders{}, fmt.Errorf("sign vapid token: %w", err)
	}

	var h vapidHeaders
	if encoding == "aesgcm" {
		// Legacy scheme: JWT in Authorization, sender key in Crypto-Key.
		h = vapidHeaders{
			Authorization: "WebPush " + signed,
			CryptoKey:     "p256ecdsa=" + k.publicB64,
		}
	} else {
		h = vapidHeaders{
			Authorization: "vapid t=" + signed + ", k=" + k.publicB64,
		}
	}

	cache.put(cacheKey, h)
	return h, nil
}

// GenerateKeys produces a fresh VAPID key pair in the base64url wire
// format, for setup tooling.
func GenerateKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate vapid key pair: %w", err)
	}

	pub := make([]byte, 65)
	pub[0] = 0x04
	key.PublicKey.X.FillBytes(pub[1:33])
	key.PublicKey.Y.FillBytes(pub[33:65])

	priv := make([]byte, 32)
	key.D.FillBytes(priv)

	return base64.RawURLEncoding.EncodeToString(pub), base64.RawURLEncoding.EncodeToString(priv), nil
}

// decodeBase64URL accepts both padded and unpadded base64url, since
// browsers and settings UIs disagree about padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

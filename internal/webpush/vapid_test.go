package webpush

import (
	"strings"
	"testing"
)

func testConfig(t *testing.T) VAPIDConfig {
	t.Helper()
	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return VAPIDConfig{
		Subject:    "mailto:admin@example.com",
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

func TestValidateVAPID(t *testing.T) {
	cfg := testConfig(t)

	keys, err := validateVAPID(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys.publicRaw) != 65 || keys.publicRaw[0] != 0x04 {
		t.Error("public key should be a 65-byte uncompressed point")
	}
	if keys.keyHash == "" {
		t.Error("key hash should identify the pair")
	}
}

func TestValidateVAPID_Rejections(t *testing.T) {
	good := testConfig(t)

	tests := []struct {
		name   string
		mutate func(c *VAPIDConfig)
	}{
		{"missing keys", func(c *VAPIDConfig) { c.PublicKey = ""; c.PrivateKey = "" }},
		{"bad subject", func(c *VAPIDConfig) { c.Subject = "admin@example.com" }},
		{"garbage public key", func(c *VAPIDConfig) { c.PublicKey = "!!!" }},
		{"short public key", func(c *VAPIDConfig) { c.PublicKey = "AAAA" }},
		{"short private key", func(c *VAPIDConfig) { c.PrivateKey = "AAAA" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := good
			tt.mutate(&cfg)
			if _, err := validateVAPID(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateVAPID_MismatchedPair(t *testing.T) {
	cfg := testConfig(t)
	otherPub, _, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	cfg.PublicKey = otherPub

	if _, err := validateVAPID(cfg); err == nil {
		t.Error("a public key from a different pair must be rejected")
	}
}

func TestValidateVAPID_NotConfigured(t *testing.T) {
	if _, err := validateVAPID(VAPIDConfig{}); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestValidateVAPID_AcceptsPaddedKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.PublicKey = cfg.PublicKey + "="

	if _, err := validateVAPID(cfg); err != nil {
		t.Errorf("padded base64url should be accepted: %v", err)
	}
}

func TestHeadersFor_SchemesPerEncoding(t *testing.T) {
	keys, err := validateVAPID(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := NewHeaderCache()

	modern, err := keys.headersFor(cache, "https://fcm.googleapis.com", "aes128gcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(modern.Authorization, "vapid t=") {
		t.Errorf("aes128gcm uses the vapid scheme, got %q", modern.Authorization)
	}
	if !strings.Contains(modern.Authorization, ", k="+keys.publicB64) {
		t.Error("authorization should carry the server key")
	}
	if modern.CryptoKey != "" {
		t.Error("aes128gcm carries no Crypto-Key segment")
	}

	legacy, err := keys.headersFor(cache, "https://fcm.googleapis.com", "aesgcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(legacy.Authorization, "WebPush ") {
		t.Errorf("aesgcm uses the WebPush scheme, got %q", legacy.Authorization)
	}
	if legacy.CryptoKey != "p256ecdsa="+keys.publicB64 {
		t.Errorf("aesgcm should carry p256ecdsa, got %q", legacy.CryptoKey)
	}
}

func TestHeadersFor_Cached(t *testing.T) {
	keys, err := validateVAPID(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := NewHeaderCache()

	first, err := keys.headersFor(cache, "https://example.net", "aes128gcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := keys.headersFor(cache, "https://example.net", "aes128gcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ES256 signatures are randomized; identical tokens prove a cache hit.
	if first.Authorization != second.Authorization {
		t.Error("second call should reuse the cached signature")
	}

	cache.Invalidate()
	third, err := keys.headersFor(cache, "https://example.net", "aes128gcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Authorization == first.Authorization {
		t.Error("invalidation should force a fresh signature")
	}
}

func TestHeadersFor_PerAudience(t *testing.T) {
	keys, err := validateVAPID(testConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := NewHeaderCache()

	a, err := keys.headersFor(cache, "https://a.example", "aes128gcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := keys.headersFor(cache, "https://b.example", "aes128gcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Authorization == b.Authorization {
		t.Error("each audience needs its own signed token")
	}
}

func TestGenerateKeys_RoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys, err := validateVAPID(VAPIDConfig{Subject: "https://example.com", PublicKey: pub, PrivateKey: priv})
	if err != nil {
		t.Fatalf("generated pair should validate: %v", err)
	}
	if keys.publicB64 != pub {
		t.Error("public key should survive the round trip unchanged")
	}
}

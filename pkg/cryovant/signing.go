package cryovant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
)

// SignatureAlgorithm identifies the digest-signing scheme used by a
// SignatureBundle. Only HMAC-SHA256 is implemented; the field exists so a
// future asymmetric scheme can be introduced without breaking the bundle
// shape.
const SignatureAlgorithm = "hmac-sha256"

// SignatureBundle is the signed-digest envelope attached to rollback
// certificates, promotion events, and replay proof bundles.
type SignatureBundle struct {
	KeyID        string `json:"key_id"`
	Algorithm    string `json:"algorithm"`
	Signature    string `json:"signature"`
	SignedDigest string `json:"signed_digest"`
	// DevFallback is true when no operator-provided key was found in the
	// environment and the dev-only namespaced fallback key was used instead.
	// A SignatureBundle with DevFallback set must never be trusted as proof
	// of production issuance.
	DevFallback bool `json:"dev_fallback,omitempty"`
}

// resolveSigningKey implements the three-tier signing-key cascade: a
// component-specific environment variable takes precedence over a generic
// one, and only when neither is set does it fall back to a deterministic,
// clearly-insecure namespaced key so that the system still runs in
// development without any secret material configured.
func resolveSigningKey(keyID, specificEnvPrefix, genericEnvVar, fallbackNamespace string) (key []byte, isFallback bool) {
	if specificEnvPrefix != "" {
		envName := specificEnvPrefix + sanitizeEnvSuffix(keyID)
		if v := os.Getenv(envName); v != "" {
			return []byte(v), false
		}
	}
	if genericEnvVar != "" {
		if v := os.Getenv(genericEnvVar); v != "" {
			return []byte(v), false
		}
	}
	slog.Warn("cryovant_dev_signing_fallback", "key_id", keyID, "namespace", fallbackNamespace)
	fallback := sha256.Sum256([]byte(fallbackNamespace + ":" + keyID))
	return fallback[:], true
}

func sanitizeEnvSuffix(keyID string) string {
	upper := strings.ToUpper(keyID)
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// SignHMACDigest signs signedDigest under the key resolved by the cascade
// (specificEnvPrefix+keyID, then genericEnvVar, then a namespaced dev-only
// fallback) and returns the resulting SignatureBundle.
func SignHMACDigest(keyID, signedDigest, specificEnvPrefix, genericEnvVar, fallbackNamespace string) SignatureBundle {
	key, fallback := resolveSigningKey(keyID, specificEnvPrefix, genericEnvVar, fallbackNamespace)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signedDigest))
	return SignatureBundle{
		KeyID:        keyID,
		Algorithm:    SignatureAlgorithm,
		Signature:    hex.EncodeToString(mac.Sum(nil)),
		SignedDigest: signedDigest,
		DevFallback:  fallback,
	}
}

// VerifyHMACDigestSignature re-derives the signing key via the same cascade
// and checks bundle.Signature against a fresh HMAC over bundle.SignedDigest.
// It does not check bundle.SignedDigest against any externally recomputed
// digest; callers must do that comparison themselves (see
// issuer packages' "signature_digest_link_mismatch" checks).
func VerifyHMACDigestSignature(bundle SignatureBundle, specificEnvPrefix, genericEnvVar, fallbackNamespace string) bool {
	if bundle.Algorithm != SignatureAlgorithm {
		return false
	}
	key, _ := resolveSigningKey(bundle.KeyID, specificEnvPrefix, genericEnvVar, fallbackNamespace)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(bundle.SignedDigest))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(bundle.Signature))
}

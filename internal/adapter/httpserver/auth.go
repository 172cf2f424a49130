package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/dealgraph/dealgraph/internal/config"
)

// Argon2Params defines parameters for Argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey creates an Argon2id hash of the key, suitable for the
// API_KEY_HASH setting.
func HashAPIKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyAPIKey verifies a key against its Argon2id hash.
func VerifyAPIKey(key, encodedHash string) bool {
	// Expected format: argon2id$iterations$memory$parallelism$salt$hash
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(key), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// RequireAPIKey guards the /api routes with an X-API-Key header check.
// When cfg.APIKeyHash is set the presented key is verified against the
// argon2id hash; otherwise it is compared in constant time against the
// plain cfg.APIKey. With neither configured the guard is a no-op, which
// keeps dev environments open.
func RequireAPIKey(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKeyHash == "" && cfg.APIKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "missing X-API-Key header",
				}})
				return
			}
			ok := false
			if cfg.APIKeyHash != "" {
				ok = VerifyAPIKey(presented, cfg.APIKeyHash)
			} else {
				ok = subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.APIKey)) == 1
			}
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "invalid API key",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookGuard validates the X-Signature header as a hex HMAC-SHA256 of
// the raw request body keyed with cfg.WebhookSecret. The body is
// re-buffered so downstream handlers can decode it. Without a secret
// configured the webhook surface rejects everything.
func WebhookGuard(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.WebhookSecret == "" {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "webhook secret not configured",
				}})
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxUploadMB*1024*1024))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
					Code: "INVALID_ARGUMENT", Message: "unreadable body",
				}})
				return
			}
			_ = r.Body.Close()
			if !validSignature(cfg.WebhookSecret, body, r.Header.Get("X-Signature")) {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "invalid webhook signature",
				}})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// SignWebhookBody computes the hex HMAC-SHA256 signature senders put in
// the X-Signature header.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, presented string) bool {
	if presented == "" {
		return false
	}
	expected, err := hex.DecodeString(SignWebhookBody(secret, body))
	if err != nil {
		return false
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(presented, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}

// parseUint32 parses a decimal string into uint32; returns error on failure
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}

package apiServer

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/stormlightlabs/pds/pkg/crypto"
)

// defaultAuth admits everything. Deployments that want gated writes
// install an HMAC check via WithAuth(HMACAuth(secret)).
func defaultAuth(r *http.Request) error {
	return nil
}

// HMACAuth validates bearer tokens of the form
// base64url(body) "." base64url(HMAC-SHA-256(secret, body)). The token
// body is opaque to the server; session semantics live outside the core.
func HMACAuth(secret []byte) AuthFunc {
	return func(r *http.Request) error {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return fmt.Errorf("missing bearer token")
		}

		body, tag, ok := strings.Cut(token, ".")
		if !ok {
			return fmt.Errorf("malformed token")
		}
		bodyBytes, err := base64.RawURLEncoding.DecodeString(body)
		if err != nil {
			return fmt.Errorf("malformed token body: %w", err)
		}
		tagBytes, err := base64.RawURLEncoding.DecodeString(tag)
		if err != nil || len(tagBytes) != 32 {
			return fmt.Errorf("malformed token signature")
		}

		var digest crypto.Digest
		copy(digest[:], tagBytes)
		if !crypto.VerifyHMAC(secret, bodyBytes, digest) {
			return fmt.Errorf("token signature mismatch")
		}
		return nil
	}
}

// MintToken creates a token HMACAuth will accept under the same secret.
// The server itself never calls it; the tests use it to build tokens.
func MintToken(secret, body []byte) string {
	tag := crypto.HMACSHA256(secret, body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(tag[:])
}

package id

import (
	"strings"

	"github.com/google/uuid"
)

// requestNamespace scopes deterministic effect request ids.
var requestNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ccos.effect-request"))

// Generate generates a new unique ID.
func Generate() string {
	return uuid.New().String()
}

// GenerateShort generates a shorter unique ID (first 8 chars of UUID).
func GenerateShort() string {
	return uuid.New().String()[:8]
}

// Deterministic derives a stable ID from its parts. The same parts always
// yield the same ID; parts are joined unambiguously.
func Deterministic(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return uuid.NewSHA1(requestNamespace, []byte(b.String())).String()
}

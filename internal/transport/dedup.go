package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Fingerprint identifies a request for deduplication: SHA-256 over the
// method, path, sorted query parameters, and JSON body, truncated to 16
// hex characters. Parameter order never changes the fingerprint.
func Fingerprint(method, path string, query map[string]string, body any) (string, error) {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')

	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(query[k])
			b.WriteByte('&')
		}
	}
	b.WriteByte('\n')

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		b.Write(encoded)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16], nil
}

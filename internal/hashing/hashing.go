package hashing

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
)

// ShortLength is the number of hex characters kept from a SHA-256 digest for
// cache keys, shard ids and fingerprints.
const ShortLength = 16

func GenerateSHA256Hash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// ShortHash returns the first ShortLength hex characters of SHA-256(data).
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:ShortLength]
}

// CanonicalJSONHash hashes the JSON encoding of v. encoding/json emits struct
// fields in declaration order and map keys sorted, so equal values hash equally.
func CanonicalJSONHash(v any) (string, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return ShortHash(bytes), nil
}

// Fingerprint derives the anonymized client identifier from ip and user agent.
// Raw values are never stored.
func Fingerprint(clientIP, userAgent string) string {
	return ShortHash([]byte(clientIP + ":" + userAgent))
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashMap returns a stable hex digest of a string map, independent of key order.
// Empty values are ignored so {"a": ""} and {} hash the same.
func HashMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(m[k])
		b.WriteByte(0)
	}
	sum := SumSHA256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Package util holds key helpers shared by stores and hooks.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Namespaced prefixes key with "<ns>:". An empty namespace leaves it as is.
func Namespaced(ns, key string) string {
	if ns == "" {
		return key
	}
	return ns + ":" + key
}

// StripNamespace undoes Namespaced. ok is false for keys outside ns.
func StripNamespace(ns, storageKey string) (string, bool) {
	if ns == "" {
		return storageKey, true
	}
	return strings.CutPrefix(storageKey, ns+":")
}

// Redact returns a short stable fingerprint of key (first 8 bytes of its
// SHA-256, hex) for logs that must not carry raw keys.
func Redact(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

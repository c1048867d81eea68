/*
Copyright 2025 the Decisionwise Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements API key parsing and salted-hash verification.
//
// Presented secrets exist only transiently in memory; they are never logged,
// stored, or echoed. The ledger holds the salted SHA-256 only.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Prefix identifies Decisionwise API keys: dw_<key_id>_<secret>.
const prefix = "dw_"

// ErrMalformedKey is returned for bearer tokens that are not in the
// dw_<key_id>_<secret> shape.
var ErrMalformedKey = errors.New("auth: malformed API key")

// ParseBearer splits a presented bearer token into key identifier and
// secret. It performs no verification.
func ParseBearer(token string) (keyID, secret string, err error) {
	if !strings.HasPrefix(token, prefix) {
		return "", "", ErrMalformedKey
	}
	rest := token[len(prefix):]
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", ErrMalformedKey
	}
	return rest[:i], rest[i+1:], nil
}

// HashSecret computes the stored hash for a secret under the given salt.
func HashSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// Verify compares a presented secret against the stored salted hash in
// constant time.
func Verify(secret, salt, storedHash string) bool {
	computed := HashSecret(secret, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// GenerateKey mints a fresh credential for administrative provisioning.
// It returns the client-facing token and the (salt, hash) pair to persist.
func GenerateKey() (token, keyID, salt, hash string, err error) {
	idBytes := make([]byte, 8)
	secretBytes := make([]byte, 24)
	saltBytes := make([]byte, 16)
	for _, b := range [][]byte{idBytes, secretBytes, saltBytes} {
		if _, err := rand.Read(b); err != nil {
			return "", "", "", "", fmt.Errorf("auth: entropy unavailable: %w", err)
		}
	}
	keyID = hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	salt = hex.EncodeToString(saltBytes)
	hash = HashSecret(secret, salt)
	token = prefix + keyID + "_" + secret
	return token, keyID, salt, hash, nil
}

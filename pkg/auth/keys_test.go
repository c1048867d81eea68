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

package auth

import (
	"errors"
	"testing"
)

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	token, keyID, salt, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	parsedID, secret, err := ParseBearer(token)
	if err != nil {
		t.Fatalf("ParseBearer: %v", err)
	}
	if parsedID != keyID {
		t.Errorf("key id %q != %q", parsedID, keyID)
	}
	if !Verify(secret, salt, hash) {
		t.Error("freshly minted key failed verification")
	}
	if Verify(secret+"x", salt, hash) {
		t.Error("tampered secret verified")
	}
	if Verify(secret, salt+"x", hash) {
		t.Error("wrong salt verified")
	}
}

func TestParseBearerRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"dw_",
		"dw_onlyid",
		"dw_onlyid_",
		"dw__secret",
		"sk_abc_def",
	} {
		if _, _, err := ParseBearer(bad); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("ParseBearer(%q) err = %v, want ErrMalformedKey", bad, err)
		}
	}
}

func TestHashSecretIsSaltSensitive(t *testing.T) {
	if HashSecret("s", "a") == HashSecret("s", "b") {
		t.Error("hash ignores salt")
	}
}

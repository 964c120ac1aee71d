package auth

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateAndVerify(t *testing.T) {
	gen, err := GenerateConnectorKey()
	if err != nil {
		t.Fatalf("GenerateConnectorKey: %v", err)
	}
	if !strings.HasPrefix(gen.Key, PrefixConnector) {
		t.Errorf("key = %q, want %s prefix", gen.Key, PrefixConnector)
	}
	if !strings.HasPrefix(gen.Hash, "$argon2id$") {
		t.Errorf("hash = %q, want PHC format", gen.Hash)
	}

	ok, err := VerifyKey(gen.Key, gen.Hash)
	if err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if !ok {
		t.Error("generated key does not verify against its own hash")
	}

	ok, err = VerifyKey("cnk_wrong", gen.Hash)
	if err != nil {
		t.Fatalf("VerifyKey(wrong): %v", err)
	}
	if ok {
		t.Error("wrong key verified")
	}
}

func TestGenerateAPIKeyPrefix(t *testing.T) {
	gen, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(gen.Key, PrefixAPI) {
		t.Errorf("key = %q, want %s prefix", gen.Key, PrefixAPI)
	}
}

func TestValidateKeyPrefix(t *testing.T) {
	if prefix, err := ValidateKeyPrefix("fnc_abc"); err != nil || prefix != PrefixAPI {
		t.Errorf("fnc_: prefix=%q err=%v", prefix, err)
	}
	if prefix, err := ValidateKeyPrefix("cnk_abc"); err != nil || prefix != PrefixConnector {
		t.Errorf("cnk_: prefix=%q err=%v", prefix, err)
	}
	if _, err := ValidateKeyPrefix("xyz_abc"); err == nil {
		t.Error("unknown prefix accepted")
	}
}

func TestVerifyKeyMalformedHash(t *testing.T) {
	tests := []string{
		"",
		"not a hash",
		"$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$bogus$c2FsdA$aGFzaA",
	}
	for _, phc := range tests {
		if _, err := VerifyKey("fnc_x", phc); err == nil {
			t.Errorf("VerifyKey(%q) accepted malformed hash", phc)
		}
	}
}

func TestVerifierCache(t *testing.T) {
	gen, err := GenerateConnectorKey()
	if err != nil {
		t.Fatalf("GenerateConnectorKey: %v", err)
	}
	v := NewVerifier("", gen.Hash, time.Minute)

	ok, err := v.VerifyConnectorKey(gen.Key)
	if err != nil || !ok {
		t.Fatalf("first verify: ok=%v err=%v", ok, err)
	}

	// Second call should come from the cache; same answer either way.
	ok, err = v.VerifyConnectorKey(gen.Key)
	if err != nil || !ok {
		t.Fatalf("cached verify: ok=%v err=%v", ok, err)
	}

	if _, err := v.VerifyAPIKey(gen.Key); err == nil {
		t.Error("unconfigured API key verified without error")
	}
}

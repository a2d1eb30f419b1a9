package mysqlstore

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"
)

func TestSplitKeyShortKeyHasNoSuffix(t *testing.T) {
	key := []byte("short-key")
	prefix, sha, suffix := splitKey(key)
	if !bytes.Equal(prefix, key) {
		t.Errorf("prefix = %x, want %x", prefix, key)
	}
	if suffix != nil {
		t.Errorf("suffix = %x, want nil for a short key", suffix)
	}
	want := sha256.Sum256(key)
	if !bytes.Equal(sha, want[:]) {
		t.Errorf("sha = %x, want %x", sha, want)
	}
}

func TestSplitKeyLongKeySplitsAtLimit(t *testing.T) {
	key := []byte(strings.Repeat("x", keyPrefixLimit+100))
	prefix, _, suffix := splitKey(key)
	if len(prefix) != keyPrefixLimit {
		t.Fatalf("len(prefix) = %d, want %d", len(prefix), keyPrefixLimit)
	}
	if len(suffix) != 100 {
		t.Fatalf("len(suffix) = %d, want 100", len(suffix))
	}
	if !bytes.Equal(append(append([]byte{}, prefix...), suffix...), key) {
		t.Fatalf("prefix+suffix does not reconstruct the original key")
	}
}

func TestSchemaIsNonEmpty(t *testing.T) {
	if !strings.Contains(schema, "CREATE TABLE") {
		t.Fatalf("schema does not look like valid DDL")
	}
}

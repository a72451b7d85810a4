package core

import "testing"

func TestWrapUnwrapDBKeyRoundTrip(t *testing.T) {
	dbKey, err := GenerateDBKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	wrapped, err := WrapDBKey([]byte("correct horse battery staple"), dbKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := UnwrapDBKey([]byte("correct horse battery staple"), wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got != dbKey {
		t.Fatal("unwrapped key does not match the original")
	}
}

func TestUnwrapDBKeyWrongPassphraseFails(t *testing.T) {
	dbKey, _ := GenerateDBKey()
	wrapped, err := WrapDBKey([]byte("right passphrase"), dbKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapDBKey([]byte("wrong passphrase"), wrapped); err == nil {
		t.Fatal("expected unwrap to fail with the wrong passphrase")
	}
}

package vault

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"scribe/internal/encryption"
	"scribe/internal/scribe"
)

func TestEncryptedVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryVault()
	enc := encryption.NewTestEncryptor()
	if err := enc.Setup("secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	v := NewEncryptedVault(inner, enc)

	payload := "portrait bytes"
	if err := v.PutImage(ctx, "p1/g1", strings.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("PutImage() error = %v", err)
	}

	var stored bytes.Buffer
	if err := inner.GetImage(ctx, "p1/g1", &stored); err != nil {
		t.Fatalf("inner GetImage() error = %v", err)
	}
	if stored.String() == payload {
		t.Error("inner vault holds plaintext")
	}

	var buf bytes.Buffer
	if err := v.GetImage(ctx, "p1/g1", &buf); !errors.Is(err, ErrLocked) {
		t.Fatalf("GetImage() while locked error = %v, want ErrLocked", err)
	}

	if err := v.Unlock("wrong"); !errors.Is(err, scribe.ErrWrongPassphrase) {
		t.Fatalf("Unlock(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if v.Unlocked() {
		t.Fatal("vault unlocked by a wrong passphrase")
	}

	if err := v.Unlock("secret"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := v.GetImage(ctx, "p1/g1", &buf); err != nil {
		t.Fatalf("GetImage() error = %v", err)
	}
	if buf.String() != payload {
		t.Errorf("GetImage() = %q, want %q", buf.String(), payload)
	}

	v.Lock()
	if err := v.GetImage(ctx, "p1/g1", &buf); !errors.Is(err, ErrLocked) {
		t.Errorf("GetImage() after Lock error = %v, want ErrLocked", err)
	}
}

func TestEncryptedVault_SizeMismatch(t *testing.T) {
	inner := NewMemoryVault()
	v := NewEncryptedVault(inner, encryption.NewTestEncryptor())

	if err := v.PutImage(context.Background(), "p1/g1", strings.NewReader("abc"), 4); err == nil {
		t.Fatal("PutImage() with wrong size should fail")
	}
	if len(inner.Keys()) != 0 {
		t.Error("ciphertext stored despite size mismatch")
	}
}

func TestEncryptedVault_DeleteAndValidate(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryVault()
	v := NewEncryptedVault(inner, encryption.NewTestEncryptor())

	v.PutImage(ctx, "p1/g1", strings.NewReader("x"), 1)
	if err := v.DeleteImage(ctx, "p1/g1"); err != nil {
		t.Fatalf("DeleteImage() error = %v", err)
	}
	if len(inner.Keys()) != 0 {
		t.Error("DeleteImage() did not reach the inner vault")
	}
	if err := v.ValidateSetup(ctx); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
	if v.Unwrap() != scribe.ImageVault(inner) {
		t.Error("Unwrap() did not return the inner vault")
	}
}

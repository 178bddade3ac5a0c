package secretbox

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestNewRequires32ByteKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	sealed, err := box.Seal([]byte("totp-secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "totp-secret" {
		t.Fatal("sealed value must not equal plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, []byte("totp-secret")) {
		t.Fatalf("opened = %q, want %q", opened, "totp-secret")
	}
}

func TestSealProducesFreshNonce(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	first, err := box.Seal([]byte("value"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	second, err := box.Seal([]byte("value"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if first == second {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	other, err := New([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	sealed, err := box.Seal([]byte("value"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected open to fail with the wrong key")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	if _, err := box.Open("not-base64!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := box.Open("c2hvcnQ"); err == nil {
		t.Fatal("expected error for truncated value")
	}
}

func TestNilBoxIsSafe(t *testing.T) {
	var box *Box
	if _, err := box.Seal([]byte("value")); err == nil {
		t.Fatal("expected error from nil box seal")
	}
	if _, err := box.Open("value"); err == nil {
		t.Fatal("expected error from nil box open")
	}
}

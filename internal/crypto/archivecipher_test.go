package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

// testKey returns a valid 32-byte key for use in tests.
func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestNewArchiveCipher(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		c, err := NewArchiveCipher(testKey())
		if err != nil {
			t.Fatalf("NewArchiveCipher() unexpected error: %v", err)
		}
		if c == nil {
			t.Fatal("NewArchiveCipher() returned nil cipher")
		}
	})

	tests := []struct {
		name   string
		keyLen int
	}{
		{"too short (16 bytes)", 16},
		{"too long (64 bytes)", 64},
		{"empty key", 0},
		{"31 bytes", 31},
		{"33 bytes", 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewArchiveCipher(make([]byte, tt.keyLen))
			if !errors.Is(err, ErrKeyLengthInvalid) {
				t.Errorf("NewArchiveCipher(len=%d) error = %v, want %v", tt.keyLen, err, ErrKeyLengthInvalid)
			}
		})
	}
}

func TestNewArchiveCipherIsolatesKey(t *testing.T) {
	key := testKey()
	c, err := NewArchiveCipher(key)
	if err != nil {
		t.Fatalf("NewArchiveCipher() error: %v", err)
	}
	sealed, err := c.Seal([]byte("id,user\n1,ana\n"))
	if err != nil {
		t.Fatal(err)
	}

	for i := range key {
		key[i] = 0
	}

	got, err := c.Open(sealed)
	if err != nil {
		t.Errorf("Open() after key corruption error: %v", err)
	}
	if string(got) != "id,user\n1,ana\n" {
		t.Errorf("Open() = %q", got)
	}
}

func TestDeriveArchiveCipher(t *testing.T) {
	salt := bytes.Repeat([]byte("s"), 16)

	a, err := DeriveArchiveCipher("my-secret-passphrase", salt, 0)
	if err != nil {
		t.Fatalf("DeriveArchiveCipher() unexpected error: %v", err)
	}
	b, err := DeriveArchiveCipher("my-secret-passphrase", salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := a.Seal([]byte("payload"))
	if got, err := b.Open(sealed); err != nil || string(got) != "payload" {
		t.Errorf("same passphrase and salt should open: %q, %v", got, err)
	}

	other, _ := DeriveArchiveCipher("another-passphrase", salt, 0)
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong passphrase error = %v, want %v", err, ErrDecryptionFailed)
	}

	if _, err := DeriveArchiveCipher("pw", []byte("short"), 0); !errors.Is(err, ErrSaltTooShort) {
		t.Errorf("short salt error = %v, want %v", err, ErrSaltTooShort)
	}
}

func TestArchiveCipherFromConfig(t *testing.T) {
	raw := testKey()
	encoded := base64.StdEncoding.EncodeToString(raw)

	t.Run("empty key disables sealing", func(t *testing.T) {
		c, err := ArchiveCipherFromConfig("", "")
		if err != nil || c != nil {
			t.Errorf("ArchiveCipherFromConfig(\"\") = %v, %v; want nil, nil", c, err)
		}
	})

	t.Run("base64 key used directly", func(t *testing.T) {
		c, err := ArchiveCipherFromConfig(encoded, "")
		if err != nil {
			t.Fatal(err)
		}
		direct, _ := NewArchiveCipher(raw)
		sealed, _ := c.Seal([]byte("x"))
		if got, err := direct.Open(sealed); err != nil || string(got) != "x" {
			t.Errorf("config cipher and direct cipher disagree: %q, %v", got, err)
		}
	})

	t.Run("passphrase needs salt", func(t *testing.T) {
		if _, err := ArchiveCipherFromConfig("correct horse battery staple", ""); !errors.Is(err, ErrSaltTooShort) {
			t.Errorf("error = %v, want %v", err, ErrSaltTooShort)
		}
	})

	t.Run("passphrase with salt", func(t *testing.T) {
		c, err := ArchiveCipherFromConfig("correct horse battery staple", "0123456789abcdef")
		if err != nil || c == nil {
			t.Errorf("ArchiveCipherFromConfig() = %v, %v", c, err)
		}
	})
}

func TestSealOpen(t *testing.T) {
	c, _ := NewArchiveCipher(testKey())

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"csv", []byte("\ufeffID,Fecha\n1,2024-03-01\n")},
		{"binary", []byte{0, 1, 2, 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error: %v", err)
			}
			got, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("Open() = %v, want %v", got, tt.plaintext)
			}
		})
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	c, _ := NewArchiveCipher(testKey())
	a, _ := c.Seal([]byte("same"))
	b, _ := c.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical output")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	c, _ := NewArchiveCipher(testKey())
	sealed, _ := c.Seal([]byte("audit rows"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := c.Open(tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered Open() error = %v, want %v", err, ErrDecryptionFailed)
	}

	if _, err := c.Open(sealed[:5]); !errors.Is(err, ErrCiphertextCorrupted) {
		t.Errorf("truncated Open() error = %v, want %v", err, ErrCiphertextCorrupted)
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateKey()
	if len(a) != 32 || bytes.Equal(a, b) {
		t.Errorf("GenerateKey() returned len %d or duplicate keys", len(a))
	}
}

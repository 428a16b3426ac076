package crypt4gh

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	payload := []byte("WP123:secret-token-value")
	envelope, err := Encrypt(payload, recipient.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if !bytes.HasPrefix(envelope, []byte("crypt4gh")) {
		t.Errorf("envelope does not start with magic bytes")
	}

	decrypted, err := Decrypt(envelope, recipient.Private)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, payload) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, payload)
	}
}

func TestEncryptDecryptBase64RoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	payload := []byte("signed.jwt.token")
	envelope, err := EncryptBase64(payload, recipient.PublicKeyBase64())
	if err != nil {
		t.Fatalf("EncryptBase64() error = %v", err)
	}

	decrypted, err := DecryptBase64(envelope, recipient.Private)
	if err != nil {
		t.Fatalf("DecryptBase64() error = %v", err)
	}
	if !bytes.Equal(decrypted, payload) {
		t.Errorf("DecryptBase64() = %q, want %q", decrypted, payload)
	}
}

func TestEncryptDecryptMultiSegment(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	// payload spanning three body segments
	payload := make([]byte, 2*65536+100)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}

	envelope, err := Encrypt(payload, recipient.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	decrypted, err := Decrypt(envelope, recipient.Private)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, payload) {
		t.Errorf("multi-segment round trip produced different payload")
	}
}

func TestEncryptEmptyPayload(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	envelope, err := Encrypt(nil, recipient.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	decrypted, err := Decrypt(envelope, recipient.Private)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if len(decrypted) != 0 {
		t.Errorf("Decrypt() = %q, want empty payload", decrypted)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	envelope, err := Encrypt([]byte("payload"), recipient.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(envelope, other.Private); err == nil {
		t.Errorf("Decrypt() with wrong key succeeded, want error")
	}
}

func TestValidatePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	validKey := kp.PublicKeyBase64()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "bare base64 key", key: validKey, want: validKey},
		{
			name: "PEM framed key",
			key: "-----BEGIN CRYPT4GH PUBLIC KEY-----\n" +
				validKey + "\n-----END CRYPT4GH PUBLIC KEY-----",
			want: validKey,
		},
		{name: "empty key", key: "", wantErr: true},
		{name: "not base64", key: "this is not a key!", wantErr: true},
		{name: "wrong length", key: "c2hvcnQ=", wantErr: true},
		{
			name:    "private key framing",
			key:     "-----BEGIN CRYPT4GH PRIVATE KEY-----\n" + validKey,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePublicKey(tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ValidatePublicKey(%q) succeeded, want error", tt.key)
				}
				if !strings.Contains(err.Error(), "invalid Crypt4GH key") {
					t.Errorf("ValidatePublicKey() error = %v, want ErrInvalidKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidatePublicKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidatePublicKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

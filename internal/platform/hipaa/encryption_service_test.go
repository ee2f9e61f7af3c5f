package hipaa

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func validHexKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString(generateTestKey(t))
}

func TestNewEncryptionService(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		wantErr     bool
		wantEnabled bool
	}{
		{"valid key", validHexKey(t), false, true},
		{"empty key disables", "", false, false},
		{"invalid hex", strings.Repeat("zz", 32), true, false},
		{"too short", strings.Repeat("ab", 16), true, false},
		{"too long", strings.Repeat("ab", 48), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewEncryptionService(tt.key, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if err == nil && svc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", svc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptDecryptField_RoundTrip(t *testing.T) {
	svc, err := NewEncryptionService(validHexKey(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("create service: %v", err)
	}

	for _, original := range []string{"Hypertension, stage 1", "+1 (555) 867-5309", ""} {
		encrypted, err := svc.EncryptField(RecordDiagnosis.Key(), original)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if original != "" && encrypted == original {
			t.Error("encrypted value should differ from original")
		}
		decrypted, err := svc.DecryptField(RecordDiagnosis.Key(), encrypted)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if decrypted != original {
			t.Errorf("round trip: got %q, want %q", decrypted, original)
		}
	}
}

func TestDecryptField_PassesLegacyPlaintext(t *testing.T) {
	svc, _ := NewEncryptionService(validHexKey(t), zerolog.Nop())
	got, err := svc.DecryptField(UserPhone.Key(), "555-0100")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "555-0100" {
		t.Errorf("got %q", got)
	}
}

func TestDisabledMode_ReturnsValuesUnchanged(t *testing.T) {
	svc, err := NewEncryptionService("", zerolog.Nop())
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	for _, v := range []string{"patient@example.com", "+1 555 867 5309", ""} {
		enc, _ := svc.EncryptField(UserPhone.Key(), v)
		dec, _ := svc.DecryptField(UserPhone.Key(), enc)
		if enc != v || dec != v {
			t.Errorf("disabled mode changed %q: enc=%q dec=%q", v, enc, dec)
		}
	}
}

func TestNilServiceIsDisabled(t *testing.T) {
	var svc *EncryptionService
	if svc.IsEnabled() {
		t.Fatal("nil service should report disabled")
	}
	if got, _ := svc.EncryptField(UserPhone.Key(), "x"); got != "x" {
		t.Errorf("got %q", got)
	}
}

package security

import (
	"bytes"
	"errors"
	"testing"
)

func TestValidateKey_PathTraversal(t *testing.T) {
	v := NewValidator(1024, 10.0)

	tests := []struct {
		key       string
		shouldErr bool
	}{
		{"state.bin", false},
		{"snapshots/abc.bin", false},
		{"snapshots/../abc.bin", false},
		{"", true},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"..", true},
		{"snapshots/../../etc/passwd", true},
	}

	for _, tt := range tests {
		err := v.ValidateKey(tt.key)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for key: %q", tt.key)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for key %q: %v", tt.key, err)
		}
		if err != nil && !errors.Is(err, ErrRejected) {
			t.Errorf("error for key %q does not match ErrRejected: %v", tt.key, err)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	v := NewValidator(1024, 10.0)

	tests := []struct {
		in   string
		want string
	}{
		{"v86state.bin", "v86state.bin"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\state.bin`, "state.bin"},
		{"", ""},
		{"..", ""},
	}

	for _, tt := range tests {
		if got := v.SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateSize(t *testing.T) {
	v := NewValidator(100, 10.0)

	if err := v.ValidateSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}

	if err := v.ValidateSize(0); err == nil {
		t.Error("expected error for empty snapshot")
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(1024, 10.0)

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateCompressionRatio(0, 1000); err == nil {
		t.Error("expected error for zero compressed size")
	}
}

func TestReadAll_Limit(t *testing.T) {
	v := NewValidator(8, 10.0)

	data, err := v.ReadAll(bytes.NewReader([]byte("12345678")))
	if err != nil {
		t.Fatalf("unexpected error at limit: %v", err)
	}
	if len(data) != 8 {
		t.Errorf("expected 8 bytes, got %d", len(data))
	}

	if _, err := v.ReadAll(bytes.NewReader([]byte("123456789"))); !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected past limit, got: %v", err)
	}
}

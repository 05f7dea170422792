package horosafe

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
	if err := ValidateSecret(bytes.Repeat([]byte("a"), MinSecretLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{"https://93.184.216.34/search", false, false},
		{"ftp://evil.com/data", false, true},
		{"javascript:alert(1)", false, true},
		{"http://127.0.0.1/admin", false, true},
		{"http://10.0.0.1/internal", false, true},
		{"http://[::1]/api", false, true},
		{"http://172.16.0.1/secret", false, true},
		{"http://10.0.0.1/internal", true, false},
		{"http:///nohost", true, true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url, tt.allowPrivate)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q, %v) error=%v, wantErr=%v", tt.url, tt.allowPrivate, err, tt.wantErr)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"job_0190c3a1-7b2e", "job_1:search:0", "v1.2"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Fatalf("ValidateIdentifier(%q): unexpected error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc/passwd", "has spaces", "a/b", strings.Repeat("a", 257)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Fatalf("ValidateIdentifier(%q): expected error", bad)
		}
	}
}

func TestTokenEqual(t *testing.T) {
	if !TokenEqual("s3cret", "s3cret") {
		t.Fatal("equal tokens reported different")
	}
	if TokenEqual("s3cret", "s3creT") || TokenEqual("s3cret", "") {
		t.Fatal("different tokens reported equal")
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", tt.ip)
		}
		if got := isPrivateIP(ip); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}

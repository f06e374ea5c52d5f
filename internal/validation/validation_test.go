package validation

import "testing"

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x742d35cc6634c0532925a3b844bc9e7595f0beb1", true},
		{"0x742D35Cc6634C0532925a3b844Bc9e7595f0bEb1", true},
		{"742d35cc6634c0532925a3b844bc9e7595f0beb1", false},
		{"0x742d35cc", false},
		{"", false},
		{"0xzzzd35cc6634c0532925a3b844bc9e7595f0beb1", false},
	}
	for _, tt := range tests {
		if got := IsValidAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress("  0X742D35CC6634C0532925A3B844BC9E7595F0BEB1 "); got != "0x742d35cc6634c0532925a3b844bc9e7595f0beb1" {
		t.Errorf("unexpected sanitized address: %q", got)
	}
	if got := SanitizeAddress("742d35cc6634c0532925a3b844bc9e7595f0beb1"); got != "0x742d35cc6634c0532925a3b844bc9e7595f0beb1" {
		t.Errorf("expected 0x prefix to be added, got %q", got)
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value  string
		wantOK bool
	}{
		{"500", true},
		{"1", true},
		{"0", false},
		{"-5", false},
		{"1.5", false},
		{"", false},
		{"abc", false},
	}
	for _, tt := range tests {
		errs := Validate(ValidAmount("amount", tt.value))
		if ok := len(errs) == 0; ok != tt.wantOK {
			t.Errorf("ValidAmount(%q): got errs %v, want ok=%v", tt.value, errs, tt.wantOK)
		}
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	errs := Validate(
		Required("seller", ""),
		ValidAddress("buyer", "nope"),
		ValidAmount("amount", "0"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "seller: is required" {
		t.Errorf("unexpected first error: %q", errs.Error())
	}
}

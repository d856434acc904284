package idgen

import (
	"strings"
	"testing"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if !ValidUUID(id) {
		t.Fatalf("New() = %q, not a UUID", id)
	}
	if New() == id {
		t.Fatal("expected distinct ids")
	}
}

func TestValidUUID(t *testing.T) {
	cases := map[string]bool{
		"3f2504e0-4f89-41d3-9a0c-0305e82c3301": true,
		"3F2504E0-4F89-41D3-9A0C-0305E82C3301": true,
		"3f2504e04f8941d39a0c0305e82c3301":     false,
		"not-a-uuid":                           false,
		"":                                     false,
		"urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301": false,
	}
	for in, want := range cases {
		if got := ValidUUID(in); got != want {
			t.Errorf("ValidUUID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixTransaction)
	if !strings.HasPrefix(id, "etx_") || len(id) != len("etx_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
}

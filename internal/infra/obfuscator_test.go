package infra

import (
	"strings"
	"testing"
)

func TestObfuscator_GenerateName(t *testing.T) {
	tests := []struct {
		goos   string
		prefix string
		sep    string
	}{
		{"darwin", "com.apple.", "."},
		{"linux", "", "-"},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			name := NewObfuscatorFor(tt.goos).GenerateName()
			if !strings.HasPrefix(name, tt.prefix) {
				t.Errorf("name %q doesn't have prefix %q", name, tt.prefix)
			}

			parts := strings.Split(name, tt.sep)
			if len(parts) < 3 {
				t.Fatalf("expected at least 3 parts in %q", name)
			}
			if last := parts[len(parts)-1]; len(last) != 6 {
				t.Errorf("expected 6-char hex suffix, got %q", last)
			}
		})
	}
}

func TestObfuscator_GenerateName_Unique(t *testing.T) {
	o := NewObfuscator()
	names := make(map[string]bool)

	for i := 0; i < 100; i++ {
		name := o.GenerateName()
		if names[name] {
			t.Errorf("duplicate name generated: %s", name)
		}
		names[name] = true
	}
}

package config

import "testing"

func TestIsWeakToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "Empty", token: "", want: false},
		{name: "DictionaryWord", token: "password", want: true},
		{name: "CommonPattern", token: "password123", want: true},
		{name: "ShortRandom", token: "a1b", want: true},
		{name: "StrongRandom", token: "kQ7vR2mXp9zW4hN8cJ3f", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWeakToken(tt.token); got != tt.want {
				t.Errorf("IsWeakToken(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

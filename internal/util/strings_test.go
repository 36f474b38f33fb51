package util

import (
	"reflect"
	"testing"
)

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "space separated",
			input: "accounts transactions",
			want:  []string{"accounts", "transactions"},
		},
		{
			name:  "comma separated with padding",
			input: " accounts , transactions,",
			want:  []string{"accounts", "transactions"},
		},
		{
			name:  "duplicates removed",
			input: "accounts accounts,balances",
			want:  []string{"accounts", "balances"},
		},
		{
			name:  "tabs and newlines",
			input: "accounts\ttransactions\n",
			want:  []string{"accounts", "transactions"},
		},
		{
			name:  "empty string",
			input: "",
			want:  nil,
		},
		{
			name:  "only separators",
			input: " , ,",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScopes(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://bank.example/", "https://bank.example"},
		{"https://bank.example", "https://bank.example"},
		{"https://bank.example/oauth///", "https://bank.example/oauth"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

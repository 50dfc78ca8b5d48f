package emailutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "lowercase email", input: "user@example.com", expected: "user@example.com"},
		{name: "mixed case email", input: "Therapist@LCPsych.Com", expected: "therapist@lcpsych.com"},
		{name: "surrounding whitespace", input: "  User@Example.Com\n", expected: "user@example.com"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "staff@lcpsych.com", expected: "lcpsych.com"},
		{input: " Staff@LCPsych.COM ", expected: "lcpsych.com"},
		{input: "not-an-email", expected: ""},
		{input: "a@b@c", expected: ""},
		{input: "@lcpsych.com", expected: ""},
		{input: "staff@", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Domain(tt.input))
		})
	}
}

func TestFirstNormalized(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		expected   string
	}{
		{name: "first wins", candidates: []string{"Pref@X.com", "mail@x.com", "upn@x.com"}, expected: "pref@x.com"},
		{name: "blank skipped", candidates: []string{"  ", "Mail@X.com", "upn@x.com"}, expected: "mail@x.com"},
		{name: "last resort", candidates: []string{"", "", "UPN@X.COM"}, expected: "upn@x.com"},
		{name: "none", candidates: []string{"", " "}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FirstNormalized(tt.candidates...))
		})
	}
}

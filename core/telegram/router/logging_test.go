package router

import (
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{ code string }

func (e codedErr) Error() string { return "coded" }
func (e codedErr) Code() string  { return e.code }

type plainErr struct{}

func (*plainErr) Error() string { return "plain" }

func TestDeriveErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"coder", codedErr{code: "rate limited"}, "RATE_LIMITED"},
		{"wrapped coder", fmt.Errorf("send: %w", codedErr{code: "blocked"}), "BLOCKED"},
		{"empty code falls back to type", codedErr{}, "CODEDERR"},
		{"wrapped pointer type", fmt.Errorf("a: %w", fmt.Errorf("b: %w", &plainErr{})), "PLAINERR"},
		{"stdlib", errors.New("boom"), "ERRORSTRING"},
	}
	for _, tc := range tests {
		if got := deriveErrorCode(tc.err); got != tc.want {
			t.Fatalf("%s: deriveErrorCode = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeHandlerName(t *testing.T) {
	for in, want := range map[string]string{
		"/Mailing_Stats": "mailing_stats",
		" faq menu ":     "faq_menu",
		"":               "unknown",
	} {
		if got := normalizeHandlerName(in); got != want {
			t.Fatalf("normalizeHandlerName(%q) = %q, want %q", in, got, want)
		}
	}
}

package email

import (
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"fully configured", Config{Host: "smtp.example.com", Port: "587", From: "notes@example.com"}, true},
		{"missing host", Config{Port: "587", From: "notes@example.com"}, false},
		{"missing from", Config{Host: "smtp.example.com", Port: "587"}, false},
		{"empty", Config{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewService(tt.config).IsConfigured(); got != tt.want {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendFailsWhenUnconfigured(t *testing.T) {
	s := NewService(Config{})
	if err := s.SendEmail([]string{"a@x.com"}, "subject", "body"); err == nil {
		t.Error("expected error when unconfigured")
	}
	if err := s.SendAddressedEntryEmail("a@x.com", "quiet-heron-12", "hello", "https://example.com/e1"); err == nil {
		t.Error("expected error when unconfigured")
	}
}

func TestAddressedEntryTemplateRenders(t *testing.T) {
	html, err := renderTemplate(addressedEntryTemplate, AddressedEntryData{
		AppName:         "Commonplace",
		AuthorPseudonym: "quiet-heron-12",
		Preview:         "a note for you",
		EntryURL:        "https://example.com/entries/e1",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for _, want := range []string{"quiet-heron-12", "a note for you", "https://example.com/entries/e1"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered email missing %q", want)
		}
	}
}

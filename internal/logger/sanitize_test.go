package logger

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		maxLength int
		want      string
	}{
		{"empty", "", 10, ""},
		{"plain", "project-42", 10, "project-42"},
		{"control characters", "tag\x00name\x1b[31m", 50, "tagname[31m"},
		{"newline kept", "line1\nline2", 50, "line1\nline2"},
		{"truncated", "abcdefghij", 4, "abcd..."},
		{"default length", strings.Repeat("a", 10), 0, strings.Repeat("a", 10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SanitizeString(tt.input, tt.maxLength); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSanitizeString_DoesNotSplitRunes(t *testing.T) {
	t.Parallel()

	got := SanitizeString("ééé", 3)
	if !utf8.ValidString(got) {
		t.Errorf("Expected valid UTF-8, got %q", got)
	}
	if got != "é..." {
		t.Errorf("Expected %q, got %q", "é...", got)
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	if SanitizeError(nil) != "" {
		t.Error("Expected empty string for nil error")
	}
	if got := SanitizeError(errors.New("bad\x07 thing")); got != "bad thing" {
		t.Errorf("Expected %q, got %q", "bad thing", got)
	}
}

func TestSanitizeProjectID(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("p", MaxIDLength+5)
	got := SanitizeProjectID(long)
	if len(got) != MaxIDLength+3 {
		t.Errorf("Expected length %d, got %d", MaxIDLength+3, len(got))
	}
	if SanitizeTagName("Loyal\tCustomer") != "Loyal\tCustomer" {
		t.Error("Expected tabs to be kept in tag names")
	}
}

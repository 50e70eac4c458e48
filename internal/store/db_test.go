package store

import (
	"context"
	"testing"
)

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://cellucid:s3cret@db:5432/cellucid?sslmode=disable", "postgres://cellucid:***@db:5432/cellucid?sslmode=disable"},
		{"postgres://db:5432/cellucid", "postgres://db:5432/cellucid"},
		{"host=db password=s3cret", "<dsn>"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), "  ", 4); err == nil {
		t.Fatal("expected an error for an empty database url")
	}
}

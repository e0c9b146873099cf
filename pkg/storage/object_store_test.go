package storage

import (
	"context"
	"strings"
	"testing"
)

func TestMemoryStorePutAndURL(t *testing.T) {
	s := NewMemoryStore("http://objects.local/covers/")
	ctx := context.Background()
	if err := s.Put(ctx, "covers/b1/x.png", strings.NewReader("png"), 3, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, ok := s.Get("covers/b1/x.png")
	if !ok || string(obj.Data) != "png" || obj.ContentType != "image/png" {
		t.Fatalf("unexpected object: %+v ok=%v", obj, ok)
	}
	if got := s.URL("covers/b1/x.png"); got != "http://objects.local/covers/covers/b1/x.png" {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	s := NewMemoryStore("http://objects.local")
	ctx := context.Background()
	for _, key := range []string{"covers/b1/a.png", "covers/b1/b.png", "covers/b10/c.png"} {
		if err := s.Put(ctx, key, strings.NewReader("x"), 1, "image/png"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := s.DeletePrefix(ctx, "covers/b1/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one remaining object, got %d", s.Len())
	}
	if _, ok := s.Get("covers/b10/c.png"); !ok {
		t.Fatalf("sibling prefix must survive")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore("http://objects.local")
	ctx := context.Background()
	for _, key := range []string{"covers/b1/a.png", "covers/b1/b.png"} {
		if err := s.Put(ctx, key, strings.NewReader("x"), 1, "image/png"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := s.Delete(ctx, "covers/b1/a.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("covers/b1/a.png"); ok {
		t.Fatalf("deleted object still present")
	}
	if s.Len() != 1 {
		t.Fatalf("expected one remaining object, got %d", s.Len())
	}
	if err := s.Delete(ctx, "covers/b1/missing.png"); err != nil {
		t.Fatalf("delete of a missing key should succeed, got %v", err)
	}
}

func TestURLOfEmptyKeyIsBasePrefix(t *testing.T) {
	s := NewMemoryStore("http://objects.local/")
	base := s.URL("")
	if got := s.URL("covers/b1/a.png"); !strings.HasPrefix(got, base) || got[len(base):] != "covers/b1/a.png" {
		t.Fatalf("URL(%q) = %q does not extend %q", "covers/b1/a.png", got, base)
	}
}

func TestPublicBaseURL(t *testing.T) {
	cases := []struct {
		cfg  MinioConfig
		want string
	}{
		{MinioConfig{Endpoint: "localhost:9000", Bucket: "bookclub"}, "http://localhost:9000/bookclub"},
		{MinioConfig{Endpoint: "s3.example.com", Bucket: "bookclub", UseSSL: true}, "https://s3.example.com/bookclub"},
		{MinioConfig{Endpoint: "minio:9000", Bucket: "bookclub", PublicBaseURL: "https://cdn.example.com/"}, "https://cdn.example.com"},
	}
	for _, tc := range cases {
		if got := publicBaseURL(tc.cfg); got != tc.want {
			t.Fatalf("publicBaseURL(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestJoinURLEscapesSegments(t *testing.T) {
	got := joinURL("http://objects.local", "covers/b 1/x.png")
	if got != "http://objects.local/covers/b%201/x.png" {
		t.Fatalf("unexpected url: %s", got)
	}
}

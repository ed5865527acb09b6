package writerbackends

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vidserve/config"
)

func TestNewDisabled(t *testing.T) {
	m, err := New(context.Background(), config.MirrorConfig{})
	if err != nil || m != nil {
		t.Fatalf("Expected nil mirror, got %v (%v)", m, err)
	}
	if _, err := New(context.Background(), config.MirrorConfig{Backend: "ftp"}); err == nil {
		t.Error("Expected unknown backend to fail")
	}
}

func TestLocalMirror(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.mp4")
	os.WriteFile(src, []byte("video bytes"), 0644)
	dest := t.TempDir()

	m, err := New(context.Background(), config.MirrorConfig{Backend: "local", LocalDir: dest})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if m.Name() != "local" {
		t.Errorf("Unexpected name %s", m.Name())
	}

	if err := m.Put(context.Background(), src, "2024/a.mp4"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "2024", "a.mp4"))
	if err != nil || string(data) != "video bytes" {
		t.Errorf("Unexpected mirrored content %q (%v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "2024", "a.mp4.part")); !os.IsNotExist(err) {
		t.Error("Temporary file left behind")
	}
}

func TestLocalMirrorStaysInsideBaseDir(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.mp4")
	os.WriteFile(src, []byte("x"), 0644)
	dest := t.TempDir()

	if err := NewLocal(dest).Put(context.Background(), src, "../../escape.mp4"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "escape.mp4")); err != nil {
		t.Errorf("Expected file inside base dir: %v", err)
	}
}

func TestLocalMirrorMissingSource(t *testing.T) {
	err := NewLocal(t.TempDir()).Put(context.Background(), filepath.Join(t.TempDir(), "missing"), "x")
	if err == nil {
		t.Error("Expected missing source to fail")
	}
}

func TestLocalMirrorCancelled(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.mp4")
	os.WriteFile(src, []byte("x"), 0644)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewLocal(t.TempDir()).Put(ctx, src, "a.mp4"); err == nil {
		t.Error("Expected cancelled copy to fail")
	}
}

func TestNewSFTPRequiresAuth(t *testing.T) {
	_, err := NewSFTP(config.MirrorConfig{Backend: "sftp", SFTPAddr: "example.com", SFTPUser: "u"})
	if err == nil {
		t.Fatal("Expected missing auth to fail")
	}

	m, err := NewSFTP(config.MirrorConfig{SFTPAddr: "example.com", SFTPUser: "u", SFTPPassword: "p"})
	if err != nil {
		t.Fatalf("NewSFTP failed: %v", err)
	}
	if m.addr != "example.com:22" {
		t.Errorf("Expected default port, got %s", m.addr)
	}
}

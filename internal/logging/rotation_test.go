package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"100", 100, false},
		{"100B", 100, false},
		{"10KB", 10 * 1024, false},
		{"50MB", 50 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"50mb", 50 * 1024 * 1024, false},
		{" 5 MB ", 5 * 1024 * 1024, false},
		{"junk", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSize(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSize(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestRotatingWriterRotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.log")
	w, err := newRotatingWriter(path, &RotationConfig{MaxSize: "100B", MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}

	line := []byte(strings.Repeat("x", 60) + "\n")
	for i := 0; i < 6; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var backups int
	for _, e := range entries {
		if e.Name() != "swarm.log" && strings.HasPrefix(e.Name(), "swarm.") {
			backups++
		}
	}
	if backups == 0 {
		t.Error("no backup files created")
	}
	if backups > 2 {
		t.Errorf("backups = %d, want at most 2", backups)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 100 {
		t.Errorf("active log size = %d, want <= max", info.Size())
	}
}

func TestRotatingWriterCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested", "swarm.log")
	w, err := newRotatingWriter(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

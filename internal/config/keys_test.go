package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadKeyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}
	good := write("api-key", "  my-secret-value\n")
	blank := write("blank", " \n\t\n")

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr string
	}{
		{name: "not configured", path: ""},
		{name: "trimmed", path: good, want: "my-secret-value"},
		{name: "missing file", path: filepath.Join(dir, "nope"), wantErr: "server.api_key_file"},
		{name: "blank file", path: blank, wantErr: "is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := readKeyFile("server.api_key_file", tt.path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("readKeyFile: %v", err)
			}
			if got != tt.want {
				t.Errorf("readKeyFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_BadKeyFiles(t *testing.T) {
	dir := t.TempDir()
	blank := filepath.Join(dir, "signing-key")
	if err := os.WriteFile(blank, nil, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	v := NewViper()
	v.Set("server.api_key_file", filepath.Join(dir, "missing"))
	v.Set("callback.key_file", blank)

	_, err := Load(v, "")
	if err == nil {
		t.Fatal("expected error for unusable key files")
	}
	for _, want := range []string{"server.api_key_file", "callback.key_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

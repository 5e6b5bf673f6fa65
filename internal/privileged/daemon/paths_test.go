package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/etc/app/config.yml", "/etc/app/config.yml", false},
		{"/etc/app/../app/config.yml", "/etc/app/config.yml", false},
		{"/etc/../../etc/passwd", "/etc/passwd", false},
		{"etc/config.yml", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := normalizePath(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("normalizePath(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnderPrefix(t *testing.T) {
	if !underPrefix("/etc/app/x.yml", "/etc/app") {
		t.Error("child path rejected")
	}
	if !underPrefix("/etc/app", "/etc/app") {
		t.Error("prefix itself rejected")
	}
	if underPrefix("/etc/application/x.yml", "/etc/app") {
		t.Error("sibling with shared string prefix accepted")
	}
	if underPrefix("/etc/x.yml", "/etc/app") {
		t.Error("parent accepted")
	}
}

func TestResolveAllowedRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	allowed := filepath.Join(root, "allowed")
	outside := filepath.Join(root, "outside")
	for _, dir := range []string{allowed, outside} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// A symlink inside the allowlist pointing out of it.
	link := filepath.Join(allowed, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	if _, err := resolveAllowed(filepath.Join(allowed, "ok.yml"), []string{allowed}); err != nil {
		t.Errorf("plain path inside allowlist rejected: %v", err)
	}
	if _, err := resolveAllowed(filepath.Join(link, "evil.yml"), []string{allowed}); err == nil {
		t.Error("symlink escape accepted")
	}
	if _, err := resolveAllowed(filepath.Join(outside, "x.yml"), []string{allowed}); err == nil {
		t.Error("path outside allowlist accepted")
	}
}

func TestResolveAllowedMissingTarget(t *testing.T) {
	allowed := t.TempDir()
	// Target does not exist yet; only existing ancestors are resolved.
	got, err := resolveAllowed(filepath.Join(allowed, "new", "file.yml"), []string{allowed})
	if err != nil {
		t.Fatal(err)
	}
	if !underPrefix(got, allowed) {
		t.Errorf("resolved path %q escaped %q", got, allowed)
	}
}

package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nalgeon/be"
)

func TestDefaultKeyringDirUsesConfigDir(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("XDG layout only on linux, running on %s", runtime.GOOS)
	}
	t.Setenv("XDG_CONFIG_HOME", "/srv/cfg")
	be.Equal(t, defaultKeyringDir(), "/srv/cfg/inbox-digest/credentials")
}

func TestDefaultKeyringDirWithoutHomeIsAbsolute(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("XDG layout only on linux, running on %s", runtime.GOOS)
	}
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")

	wd, err := os.Getwd()
	be.Err(t, err, nil)
	got := defaultKeyringDir()
	be.True(t, filepath.IsAbs(got))
	be.Equal(t, got, filepath.Join(wd, "inbox-digest", "credentials"))
}

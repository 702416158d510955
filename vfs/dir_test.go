// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-sandbox/sandbox"
)

func testDir(t *testing.T, readOnly bool) *Dir {
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "etc", "motd"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	d, err := NewDir(root, readOnly)

	if err != nil {
		t.Fatal(err)
	}

	return d
}

func TestEscape(t *testing.T) {
	d := testDir(t, true)

	for _, name := range []string{"/../../etc/motd", "/etc/../../etc/motd", "etc/motd"} {
		f, err := d.Open(name, sandbox.O_RDONLY)

		if err != nil {
			t.Errorf("Open(%q): %v", name, err)
			continue
		}

		buf, err := io.ReadAll(f.(io.Reader))
		f.Close()

		if err != nil || string(buf) != "hello" {
			t.Errorf("Open(%q) read %q, %v", name, buf, err)
		}
	}
}

func TestReadOnly(t *testing.T) {
	d := testDir(t, true)

	for name, err := range map[string]error{
		"open":   func() error { _, err := d.Open("/etc/motd", sandbox.O_RDWR); return err }(),
		"unlink": d.Unlink("/etc/motd"),
		"mkdir":  d.Mkdir("/tmp", 0755),
		"rmdir":  d.Rmdir("/etc"),
		"rename": d.Rename("/etc/motd", "/motd"),
	} {
		if err != sandbox.EACCES {
			t.Errorf("%s = %v, want EACCES", name, err)
		}
	}
}

func TestOperations(t *testing.T) {
	d := testDir(t, false)

	f, err := d.Open("/etc/issue", sandbox.O_WRONLY|sandbox.O_CREAT|sandbox.O_EXCL)

	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.(io.Writer).Write([]byte("armory")); err != nil {
		t.Fatal(err)
	}

	f.Close()

	if _, err := d.Open("/etc/issue", sandbox.O_WRONLY|sandbox.O_CREAT|sandbox.O_EXCL); !errors.Is(err, fs.ErrExist) {
		t.Errorf("exclusive create = %v, want exist", err)
	}

	if _, err := d.Open("/etc/motd", sandbox.O_ACCMODE); err != sandbox.EINVAL {
		t.Errorf("invalid access mode = %v, want EINVAL", err)
	}

	fi, err := d.Stat("/etc/issue")

	if err != nil || fi.Size() != 6 {
		t.Fatalf("Stat = %v, %v", fi, err)
	}

	for _, tc := range []struct {
		name string
		err  error
		want error
	}{
		{"unlink directory", d.Unlink("/etc"), sandbox.EISDIR},
		{"rmdir file", d.Rmdir("/etc/motd"), sandbox.ENOTDIR},
		{"rmdir non-empty", d.Rmdir("/etc"), sandbox.ENOTEMPTY},
		{"rmdir root", d.Rmdir("/"), sandbox.EBUSY},
		{"mkdir", d.Mkdir("/var", 0755), nil},
		{"mkdir existing", d.Mkdir("/var", 0755), fs.ErrExist},
		{"rename", d.Rename("/etc/issue", "/var/issue"), nil},
		{"unlink missing", d.Unlink("/etc/issue"), fs.ErrNotExist},
		{"unlink", d.Unlink("/var/issue"), nil},
		{"rmdir", d.Rmdir("/var"), nil},
		{"open under file", func() error { _, err := d.Open("/etc/motd/x", sandbox.O_RDONLY); return err }(), sandbox.ENOTDIR},
	} {
		if !errors.Is(tc.err, tc.want) {
			t.Errorf("%s = %v, want %v", tc.name, tc.err, tc.want)
		}
	}

	dir, err := d.Open("/", sandbox.O_RDONLY)

	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()

	entries, err := dir.(sandbox.DirReader).ReadDir(-1)

	if err != nil {
		t.Fatal(err)
	}

	var names []string

	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	if diff := cmp.Diff([]string{"etc"}, names); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

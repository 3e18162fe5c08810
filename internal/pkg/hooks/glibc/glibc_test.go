// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package glibc

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const ldconfigOutput = `	420 libs found in cache ` + "`/etc/ld.so.cache'" + `
	libz.so.1 (libc6,x86-64) => /lib/x86_64-linux-gnu/libz.so.1
	libm.so.6 (libc6,x86-64) => /lib/x86_64-linux-gnu/libm.so.6
	libc.so.6 (libc6,x86-64) => /lib/x86_64-linux-gnu/libc.so.6
	libc.so.6 (libc6) => /lib32/libc.so.6
`

func TestParseLdconfigOutput(t *testing.T) {
	got := parseLdconfigOutput(ldconfigOutput)
	want := []string{
		"/lib/x86_64-linux-gnu/libz.so.1",
		"/lib/x86_64-linux-gnu/libm.so.6",
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/lib32/libc.so.6",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseLdconfigOutput() = %v, want %v", got, want)
	}
}

const readelfDynOutput = `Dynamic section at offset 0x1b7be0 contains 27 entries:
  Tag        Type                         Name/Value
 0x0000000000000001 (NEEDED)             Shared library: [ld-linux-x86-64.so.2]
 0x000000000000000e (SONAME)             Library soname: [libc.so.6]
 0x000000000000000c (INIT)               0x27a38
`

func TestParseSoname(t *testing.T) {
	soname, ok := parseSoname(readelfDynOutput)
	if !ok || soname != "libc.so.6" {
		t.Errorf("parseSoname() = %q, %v", soname, ok)
	}
	if _, ok := parseSoname("no dynamic section"); ok {
		t.Error("parseSoname() on unrelated output should report absence")
	}
}

const readelfHeaderOutput = `ELF Header:
  Magic:   7f 45 4c 46 02 01 01 03 00 00 00 00 00 00 00 00
  Class:                             ELF64
  Data:                              2's complement, little endian
  Machine:                           Advanced Micro Devices X86-64
  Version:                           0x1
`

func TestParseELFHeader(t *testing.T) {
	class, machine, ok := parseELFHeader(readelfHeaderOutput)
	if !ok {
		t.Fatal("parseELFHeader() failed")
	}
	if class != "ELF64" {
		t.Errorf("class = %q", class)
	}
	if machine != "Advanced Micro Devices X86-64" {
		t.Errorf("machine = %q", machine)
	}
}

func writeLibc(t *testing.T, name, banner string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	content := "\x7fELF\x02" + banner
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGlibcVersionFromBanner(t *testing.T) {
	path := writeLibc(t, "libc.so.6",
		"GNU C Library (GNU libc) stable release version 2.31.")
	v, err := glibcVersion(path)
	if err != nil {
		t.Fatalf("glibcVersion() error = %v", err)
	}
	if v.String() != "2.31.0" {
		t.Errorf("glibcVersion() = %s, want 2.31.0", v)
	}
}

func TestGlibcVersionFromFilename(t *testing.T) {
	path := writeLibc(t, "libc-2.27.so", "no banner here")
	v, err := glibcVersion(path)
	if err != nil {
		t.Fatalf("glibcVersion() error = %v", err)
	}
	if v.String() != "2.27.0" {
		t.Errorf("glibcVersion() = %s, want 2.27.0", v)
	}
}

func TestGlibcVersionUnknown(t *testing.T) {
	path := writeLibc(t, "libwhatever.so", "nothing to see")
	if _, err := glibcVersion(path); err == nil {
		t.Error("glibcVersion() should fail without a version marker")
	}
}

func TestContainerGlibcIsNewerOrSame(t *testing.T) {
	tests := []struct {
		name      string
		host      string
		container string
		want      bool
	}{
		{"ContainerNewer", "2.31", "2.36", true},
		{"SameVersion", "2.31", "2.31", true},
		{"ContainerOlder", "2.31", "2.27", false},
		{"MinorCompare", "2.9", "2.27", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Hook{}
			hostLibc := writeLibc(t, "libc.so.6",
				fmt.Sprintf("GNU C Library stable release version %s.", tt.host))
			containerLibc := writeLibc(t, "libc.so.6",
				fmt.Sprintf("GNU C Library stable release version %s.", tt.container))

			got, err := h.containerGlibcIsNewerOrSame(hostLibc, containerLibc)
			if err != nil {
				t.Fatalf("containerGlibcIsNewerOrSame() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("containerGlibcIsNewerOrSame(%s, %s) = %v, want %v",
					tt.host, tt.container, got, tt.want)
			}
		})
	}
}

func TestFindLibc(t *testing.T) {
	sonames := map[string]string{
		"/libs/libm.so.6": "libm.so.6",
		"/libs/libc.so.6": "libc.so.6",
	}
	h := &Hook{
		readelf: "readelf",
		runCommand: func(name string, args ...string) ([]byte, error) {
			lib := args[len(args)-1]
			soname, ok := sonames[lib]
			if !ok {
				return nil, fmt.Errorf("unknown library %s", lib)
			}
			return []byte(fmt.Sprintf(" 0x0e (SONAME) Library soname: [%s]\n", soname)), nil
		},
	}

	if got := h.findLibc([]string{"/libs/libm.so.6", "/libs/libc.so.6"}); got != "/libs/libc.so.6" {
		t.Errorf("findLibc() = %q", got)
	}
	if got := h.findLibc([]string{"/libs/libm.so.6"}); got != "" {
		t.Errorf("findLibc() without libc = %q, want empty", got)
	}
}

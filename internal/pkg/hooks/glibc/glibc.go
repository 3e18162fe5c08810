// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package glibc injects the host's glibc into a container whose own glibc
// is older, so that bind-mounted host libraries (MPI, interconnect drivers)
// linked against the newer glibc keep working. Containers with a glibc at
// least as new as the host's are left untouched.
package glibc

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/blang/semver/v4"
	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks"
	"github.com/crampon-hpc/crampon/internal/pkg/mount"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// backupPrefix is prepended to the name of a container library before the
// host copy is bind-mounted over it. The hook never deletes container
// files; a failed run leaves the original next to the mount point.
const backupPrefix = ".crampon.bak."

const libcSoname = "libc.so.6"

// Hook is one glibc-injection run.
type Hook struct {
	rootfsDir    string
	containerPid int
	ldconfig     string
	readelf      string
	hostLibs     []string

	guard *security.Guard

	// runCommand is a test seam over exec.
	runCommand func(name string, args ...string) ([]byte, error)
}

// New configures the hook from its invocation and environment. The
// LDCONFIG_PATH, READELF_PATH and GLIBC_LIBS variables come from the hook
// entry in the bundle configuration.
func New(inv *hooks.Invocation) (*Hook, error) {
	ldconfig := os.Getenv("LDCONFIG_PATH")
	readelf := os.Getenv("READELF_PATH")
	libs := os.Getenv("GLIBC_LIBS")
	if ldconfig == "" || readelf == "" || libs == "" {
		return nil, errdefs.Newf(errdefs.HookActivationMissing,
			"LDCONFIG_PATH, READELF_PATH and GLIBC_LIBS must all be set")
	}

	return &Hook{
		rootfsDir:    inv.RootfsDir(),
		containerPid: inv.State.Pid,
		ldconfig:     ldconfig,
		readelf:      readelf,
		hostLibs:     strings.Split(libs, ":"),
		guard:        security.NewGuard(true),
		runCommand: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}, nil
}

// Run performs the injection if necessary. A container without a 64-bit
// glibc is a clean no-op.
func (h *Hook) Run() error {
	// both helpers run with root privilege against untrusted input
	if err := h.guard.AssertUntamperable(h.ldconfig); err != nil {
		return err
	}
	if err := h.guard.AssertUntamperable(h.readelf); err != nil {
		return err
	}

	if err := hooks.EnterMountNamespace(h.containerPid); err != nil {
		return err
	}

	containerLibs, err := h.get64bitContainerLibraries()
	if err != nil {
		return err
	}
	containerLibc := h.findLibc(containerLibs)
	if containerLibc == "" {
		clog.Infof("Container has no 64-bit glibc, nothing to do")
		return nil
	}

	hostLibc := h.findLibc(h.hostLibs)
	if hostLibc == "" {
		return errdefs.Newf(errdefs.HookExecutionFailed, "GLIBC_LIBS carries no %s", libcSoname)
	}

	newer, err := h.containerGlibcIsNewerOrSame(hostLibc, containerLibc)
	if err != nil {
		return err
	}
	if newer {
		clog.Infof("Container glibc is at least as new as the host's, nothing to do")
		return nil
	}

	if err := h.verifyABICompatibility(hostLibc, containerLibc); err != nil {
		return err
	}

	return h.replaceLibraries(containerLibs)
}

// get64bitContainerLibraries enumerates the container's 64-bit shared
// libraries through the linker cache of the rootfs.
func (h *Hook) get64bitContainerLibraries() ([]string, error) {
	out, err := h.runCommand(h.ldconfig, "-r", h.rootfsDir, "-p")
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while listing container libraries")
	}
	var libs []string
	for _, lib := range parseLdconfigOutput(string(out)) {
		hostPath := filepath.Join(h.rootfsDir, lib)
		is64, err := h.is64bitELF(hostPath)
		if err != nil {
			clog.Debugf("Skipping %s: %v", hostPath, err)
			continue
		}
		if is64 {
			libs = append(libs, hostPath)
		}
	}
	return libs, nil
}

// findLibc returns the entry of libs whose soname is libc's, or "".
func (h *Hook) findLibc(libs []string) string {
	for _, lib := range libs {
		soname, err := h.soname(lib)
		if err != nil {
			clog.Debugf("Skipping %s: %v", lib, err)
			continue
		}
		if soname == libcSoname {
			return lib
		}
	}
	return ""
}

func (h *Hook) containerGlibcIsNewerOrSame(hostLibc, containerLibc string) (bool, error) {
	hostVersion, err := glibcVersion(hostLibc)
	if err != nil {
		return false, err
	}
	containerVersion, err := glibcVersion(containerLibc)
	if err != nil {
		return false, err
	}
	clog.Debugf("Host glibc %s, container glibc %s", hostVersion, containerVersion)
	return containerVersion.GTE(hostVersion), nil
}

// verifyABICompatibility requires both libraries to be 64-bit ELF objects
// for the same machine.
func (h *Hook) verifyABICompatibility(hostLibc, containerLibc string) error {
	hostClass, hostMachine, err := h.elfClassAndMachine(hostLibc)
	if err != nil {
		return err
	}
	containerClass, containerMachine, err := h.elfClassAndMachine(containerLibc)
	if err != nil {
		return err
	}
	if hostClass != "ELF64" || containerClass != "ELF64" {
		return errdefs.Newf(errdefs.HookExecutionFailed,
			"host (%s) and container (%s) glibc must both be 64-bit", hostClass, containerClass)
	}
	if hostMachine != containerMachine {
		return errdefs.Newf(errdefs.HookExecutionFailed,
			"host glibc machine %q does not match container machine %q", hostMachine, containerMachine)
	}
	return nil
}

// replaceLibraries bind-mounts each host library over the container
// library with the matching soname. The container file is first moved
// aside, so the rootfs stays usable if the hook dies partway.
func (h *Hook) replaceLibraries(containerLibs []string) error {
	sonames := map[string]string{}
	for _, lib := range containerLibs {
		soname, err := h.soname(lib)
		if err != nil {
			continue
		}
		sonames[soname] = lib
	}

	for _, hostLib := range h.hostLibs {
		soname, err := h.soname(hostLib)
		if err != nil {
			return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while examining host library %s", hostLib)
		}
		containerLib, ok := sonames[soname]
		if !ok {
			clog.Warningf("Container has no library with soname %q, not injecting %s", soname, hostLib)
			continue
		}
		if err := h.bindOverContainerLibrary(hostLib, containerLib); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hook) bindOverContainerLibrary(hostLib, containerLib string) error {
	backup := filepath.Join(filepath.Dir(containerLib), backupPrefix+filepath.Base(containerLib))
	if !fs.Exists(backup) {
		if err := os.Rename(containerLib, backup); err != nil {
			return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while backing up %s", containerLib)
		}
	}
	if err := fs.CreateFileIfMissing(containerLib); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while preparing mount point %s", containerLib)
	}
	clog.Debugf("Bind-mounting %s over %s", hostLib, containerLib)
	if err := mount.Bind(hostLib, containerLib, unix.MS_RDONLY); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while bind-mounting %s over %s", hostLib, containerLib)
	}
	return nil
}

// soname extracts the SONAME dynamic entry of a shared library.
func (h *Hook) soname(lib string) (string, error) {
	out, err := h.runCommand(h.readelf, "-d", lib)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading dynamic section of %s", lib)
	}
	soname, ok := parseSoname(string(out))
	if !ok {
		return "", errdefs.Newf(errdefs.HookExecutionFailed, "%s has no SONAME", lib)
	}
	return soname, nil
}

func (h *Hook) is64bitELF(lib string) (bool, error) {
	class, _, err := h.elfClassAndMachine(lib)
	if err != nil {
		return false, err
	}
	return class == "ELF64", nil
}

func (h *Hook) elfClassAndMachine(lib string) (class, machine string, err error) {
	out, err := h.runCommand(h.readelf, "-h", lib)
	if err != nil {
		return "", "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading ELF header of %s", lib)
	}
	class, machine, ok := parseELFHeader(string(out))
	if !ok {
		return "", "", errdefs.Newf(errdefs.HookExecutionFailed, "unparsable ELF header of %s", lib)
	}
	return class, machine, nil
}

var (
	ldconfigEntryRE = regexp.MustCompile(`=>\s+(\S+)\s*$`)
	sonameRE        = regexp.MustCompile(`\(SONAME\).*\[(.+)\]`)
	elfClassRE      = regexp.MustCompile(`Class:\s+(\S+)`)
	elfMachineRE    = regexp.MustCompile(`Machine:\s+(.+)`)
	glibcVersionRE  = regexp.MustCompile(`release version (\d+)\.(\d+)`)
	glibcNameRE     = regexp.MustCompile(`libc-(\d+)\.(\d+)\.so$`)
)

// parseLdconfigOutput extracts library paths from `ldconfig -p` output.
func parseLdconfigOutput(out string) []string {
	var libs []string
	for _, line := range strings.Split(out, "\n") {
		if m := ldconfigEntryRE.FindStringSubmatch(strings.TrimRight(line, " \t")); m != nil {
			libs = append(libs, m[1])
		}
	}
	return libs
}

// parseSoname extracts the SONAME from `readelf -d` output.
func parseSoname(out string) (string, bool) {
	if m := sonameRE.FindStringSubmatch(out); m != nil {
		return m[1], true
	}
	return "", false
}

// parseELFHeader extracts the class and machine from `readelf -h` output.
func parseELFHeader(out string) (class, machine string, ok bool) {
	mc := elfClassRE.FindStringSubmatch(out)
	mm := elfMachineRE.FindStringSubmatch(out)
	if mc == nil || mm == nil {
		return "", "", false
	}
	return mc[1], strings.TrimSpace(mm[1]), true
}

// glibcVersion determines the version of a glibc shared object, first from
// the release banner embedded in the library, then from its file name.
func glibcVersion(libcPath string) (semver.Version, error) {
	data, err := os.ReadFile(libcPath)
	if err != nil {
		return semver.Version{}, errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading %s", libcPath)
	}
	if m := glibcVersionRE.FindSubmatch(data); m != nil {
		return semver.ParseTolerant(string(m[1]) + "." + string(m[2]))
	}
	if m := glibcNameRE.FindStringSubmatch(filepath.Base(libcPath)); m != nil {
		return semver.ParseTolerant(m[1] + "." + m[2])
	}
	return semver.Version{}, errdefs.Newf(errdefs.HookExecutionFailed,
		"cannot determine glibc version of %s", libcPath)
}

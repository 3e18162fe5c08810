// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package ssh

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks"
	"github.com/crampon-hpc/crampon/internal/pkg/mount"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/internal/pkg/util/user"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// ActivationAnnotation and ActivationEnv request the SSH daemon for one
// run; the hook is a no-op unless one of them is "1".
const (
	ActivationAnnotation = "com.hooks.ssh.enabled"
	ActivationEnv        = "CRAMPON_SSH_HOOK"
)

// AuthorizeKeyAnnotation may name a public-key file on the host whose
// content is appended to the container's authorized_keys.
const AuthorizeKeyAnnotation = "com.hooks.ssh.authorize_ssh_key"

// Requested reports whether this run asked for the SSH daemon.
func Requested(inv *hooks.Invocation) bool {
	if v, ok := inv.Annotation(ActivationAnnotation); ok && v == "1" {
		return true
	}
	if v, ok := inv.LookupEnv(ActivationEnv); ok && v == "1" {
		return true
	}
	return false
}

// Hook is one daemon-injection run, root-privileged inside the container's
// mount namespace.
type Hook struct {
	inv         *hooks.Invocation
	baseDir     string
	passwdFile  string
	dropbearDir string
	serverPort  int

	uid      int
	gid      int
	username string
}

// New configures the hook from its invocation and environment. The
// HOOK_BASE_DIR, PASSWD_FILE, DROPBEAR_DIR and SERVER_PORT variables come
// from the hook entry in the bundle configuration.
func New(inv *hooks.Invocation) (*Hook, error) {
	h := &Hook{
		inv:         inv,
		baseDir:     os.Getenv("HOOK_BASE_DIR"),
		passwdFile:  os.Getenv("PASSWD_FILE"),
		dropbearDir: os.Getenv("DROPBEAR_DIR"),
	}
	if h.baseDir == "" || h.passwdFile == "" || h.dropbearDir == "" {
		return nil, errdefs.Newf(errdefs.HookActivationMissing,
			"HOOK_BASE_DIR, PASSWD_FILE and DROPBEAR_DIR must all be set")
	}
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil || port < 1 || port > 65535 {
		return nil, errdefs.Newf(errdefs.HookActivationMissing,
			"SERVER_PORT must be a valid port, got %q", os.Getenv("SERVER_PORT"))
	}
	h.serverPort = port

	h.uid, h.gid = inv.UserIdentity()
	entry, err := user.LookupUIDInPasswd(h.passwdFile, h.uid)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while resolving invoking user")
	}
	h.username = entry.Username
	return h, nil
}

// StartSshDaemon grafts dropbear into the container and starts it. Runs
// that did not request SSH are a clean no-op. All filesystem work happens
// before the daemon fork; any error up to that point aborts the launch.
func (h *Hook) StartSshDaemon() error {
	if !Requested(h.inv) {
		clog.Debugf("SSH hook not activated for this run")
		return nil
	}

	// SSH was requested, so missing keys are an error the user can act on
	keysDir := KeysDir(h.baseDir, h.username)
	for _, name := range []string{HostKeyName, ClientKeyName, AuthorizedKeysName} {
		if !fs.Exists(filepath.Join(keysDir, name)) {
			return errdefs.Newf(errdefs.HookActivationMissing,
				"no SSH keys under %s, run the key generation first", keysDir)
		}
	}

	if err := hooks.EnterMountNamespace(h.inv.State.Pid); err != nil {
		return err
	}

	rootfs := h.inv.RootfsDir()
	if err := h.mountDropbear(rootfs); err != nil {
		return err
	}

	sshDir, err := h.overlaySshDir(rootfs)
	if err != nil {
		return err
	}
	if err := h.populateKeys(keysDir, sshDir); err != nil {
		return err
	}
	if err := h.authorizeAnnotatedKey(sshDir); err != nil {
		return err
	}

	if err := h.writeSshWrapper(rootfs); err != nil {
		return err
	}
	if err := h.writeProfileModule(rootfs); err != nil {
		return err
	}
	if err := h.writeEnvironmentFile(rootfs); err != nil {
		return err
	}

	return h.startDaemon(rootfs)
}

// mountDropbear binds the host dropbear installation into the container.
func (h *Hook) mountDropbear(rootfs string) error {
	target := filepath.Join(rootfs, DropbearDirInContainer)
	if err := fs.MakeDirs(target, 0o755); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while creating %s", target)
	}
	if err := mount.Bind(h.dropbearDir, target, unix.MS_REC); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err,
			"while bind-mounting %s on %s", h.dropbearDir, target)
	}
	return nil
}

// overlaySshDir prepares a writable, user-owned ~/.ssh inside the
// container by overlaying the (possibly read-only) home directory content
// with a per-run upper layer kept in the bundle.
func (h *Hook) overlaySshDir(rootfs string) (string, error) {
	homeDir, err := h.containerHomeDir(rootfs)
	if err != nil {
		return "", err
	}
	sshDir := filepath.Join(homeDir, ".ssh")
	if err := fs.MakeDirs(sshDir, 0o700); err != nil {
		return "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while creating %s", sshDir)
	}

	upper := filepath.Join(h.inv.State.Bundle, "ssh", "upper")
	work := filepath.Join(h.inv.State.Bundle, "ssh", "work")
	for _, dir := range []string{upper, work} {
		if err := fs.MakeDirs(dir, 0o700); err != nil {
			return "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while creating %s", dir)
		}
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", sshDir, upper, work)
	if err := unix.Mount("overlay", sshDir, "overlay", 0, data); err != nil {
		return "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while overlaying %s", sshDir)
	}
	if err := os.Chown(sshDir, h.uid, h.gid); err != nil {
		return "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while chowning %s", sshDir)
	}
	return sshDir, nil
}

// containerHomeDir resolves the user's home directory as declared by the
// container's passwd file, which need not match the host's.
func (h *Hook) containerHomeDir(rootfs string) (string, error) {
	passwd := filepath.Join(rootfs, "etc", "passwd")
	if entry, err := user.LookupUIDInPasswd(passwd, h.uid); err == nil && entry.HomeDir != "" {
		return filepath.Join(rootfs, entry.HomeDir), nil
	}
	clog.Debugf("No passwd entry for uid %d in container, defaulting to /home/%s", h.uid, h.username)
	return filepath.Join(rootfs, "home", h.username), nil
}

// populateKeys copies the server and client key material into ~/.ssh,
// owned by the user.
func (h *Hook) populateKeys(keysDir, sshDir string) error {
	for _, name := range []string{HostKeyName, ClientKeyName, AuthorizedKeysName} {
		src := filepath.Join(keysDir, name)
		dst := filepath.Join(sshDir, name)
		if err := fs.CopyFile(src, dst, 0o600); err != nil {
			return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while installing %s", name)
		}
		if err := os.Chown(dst, h.uid, h.gid); err != nil {
			return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while chowning %s", dst)
		}
	}
	return nil
}

// authorizeAnnotatedKey appends the annotated public key, if any, to the
// container's authorized_keys.
func (h *Hook) authorizeAnnotatedKey(sshDir string) error {
	keyFile, ok := h.inv.Annotation(AuthorizeKeyAnnotation)
	if !ok || keyFile == "" {
		return nil
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading annotated key %s", keyFile)
	}

	authKeys := filepath.Join(sshDir, AuthorizedKeysName)
	f, err := os.OpenFile(authKeys, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while opening %s", authKeys)
	}
	defer f.Close()
	content := strings.TrimRight(string(key), "\n") + "\n"
	if _, err := f.WriteString(content); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while appending to %s", authKeys)
	}
	clog.Infof("Authorized additional SSH key from %s", keyFile)
	return nil
}

func (h *Hook) writeSshWrapper(rootfs string) error {
	target := filepath.Join(rootfs, "usr", "bin", "ssh")
	if err := fs.MakeDirs(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while preparing %s", target)
	}
	script := sshWrapperScript(h.serverPort)
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while writing %s", target)
	}
	return os.Chmod(target, 0o755)
}

func (h *Hook) writeProfileModule(rootfs string) error {
	target := filepath.Join(rootfs, "etc", "profile.d", "ssh-hook.sh")
	if err := fs.MakeDirs(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while preparing %s", target)
	}
	if err := os.WriteFile(target, []byte(profileModuleScript()), 0o644); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while writing %s", target)
	}
	return os.Chmod(target, 0o644)
}

// writeEnvironmentFile captures the container's process environment for
// SSH logins.
func (h *Hook) writeEnvironmentFile(rootfs string) error {
	var env []string
	if h.inv.Spec != nil && h.inv.Spec.Process != nil {
		env = h.inv.Spec.Process.Env
	}
	target := filepath.Join(rootfs, DropbearDirInContainer, "environment")
	if err := os.WriteFile(target, []byte(environmentScript(env)), 0o644); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while writing %s", target)
	}
	return os.Chmod(target, 0o644)
}

// startDaemon forks dropbear chrooted into the rootfs and verifies the
// child came up. The daemon is not waited on; it outlives the hook.
func (h *Hook) startDaemon(rootfs string) error {
	hostKeyInContainer, err := h.containerHomeDirRelative(rootfs)
	if err != nil {
		return err
	}

	daemon := DropbearDirInContainer + "/bin/dropbear"
	args := []string{
		"-E",
		"-p", strconv.Itoa(h.serverPort),
		"-r", hostKeyInContainer,
	}
	cmd := exec.Command(daemon, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: rootfs}
	cmd.Stderr = os.Stderr

	clog.Debugf("Starting dropbear: %s %s", daemon, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while starting dropbear")
	}
	// dropbear daemonizes itself; the direct child exiting is expected,
	// reap it without blocking the hook on the daemon
	go cmd.Wait()

	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil && !strings.Contains(err.Error(), "finished") {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "dropbear did not start")
	}
	clog.Infof("Started SSH daemon on port %d", h.serverPort)
	return nil
}

// containerHomeDirRelative returns the host key path as seen from inside
// the container.
func (h *Hook) containerHomeDirRelative(rootfs string) (string, error) {
	homeDir, err := h.containerHomeDir(rootfs)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootfs, filepath.Join(homeDir, ".ssh", HostKeyName))
	if err != nil {
		return "", errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while resolving host key path")
	}
	return "/" + rel, nil
}

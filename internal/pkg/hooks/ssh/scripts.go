// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package ssh

import (
	"fmt"
	"strings"
)

// DropbearDirInContainer is where the host dropbear installation appears
// inside the container.
const DropbearDirInContainer = "/opt/oci-hooks/dropbear"

// sshWrapperScript is installed as /usr/bin/ssh so that MPI launchers and
// users invoke the injected dbclient transparently.
func sshWrapperScript(serverPort int) string {
	return fmt.Sprintf("#!/bin/sh\n%s/bin/dbclient -y -p %d $*\n", DropbearDirInContainer, serverPort)
}

// profileModuleScript sources the captured environment for SSH logins,
// which otherwise start from dropbear's bare environment instead of the
// container's.
func profileModuleScript() string {
	return "#!/bin/sh\n" +
		"if [ \"$SSH_CONNECTION\" ]; then\n" +
		"    . " + DropbearDirInContainer + "/environment\n" +
		"fi\n"
}

// environmentScript renders the container's process environment as a
// sourceable shell file, one export per variable. Double quotes and other
// shell-active characters in values are escaped so the file evaluates back
// to the original values.
func environmentScript(env []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, kv := range env {
		i := strings.Index(kv, "=")
		if i <= 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("export %s=\"%s\"\n", kv[:i], escapeDoubleQuoted(kv[i+1:])))
	}
	return b.String()
}

func escapeDoubleQuoted(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"`", "\\`",
		`$`, `\$`,
	)
	return r.Replace(s)
}

package policy

import (
	"strings"

	clierr "github.com/zerosnacks/fuse-v1/internal/errors"
)

// AdminPrefix is the command path prefix of operator-only commands.
const AdminPrefix = "admin"

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	if listed(allowlist, commandPath) {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckAdminAllowed gates admin commands behind --allow-admin or an explicit
// allow-list entry. Other commands always pass.
func CheckAdminAllowed(allowAdmin bool, allowlist []string, commandPath string) error {
	if !IsAdminCommand(commandPath) || allowAdmin {
		return nil
	}
	if listed(allowlist, commandPath) {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, "admin command requires --allow-admin or an --enable-commands entry")
}

func IsAdminCommand(commandPath string) bool {
	parts := strings.Fields(normalize(commandPath))
	return len(parts) > 0 && parts[0] == AdminPrefix
}

func listed(allowlist []string, commandPath string) bool {
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return true
		}
	}
	return false
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}

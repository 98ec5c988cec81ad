package process

import (
	"os"
	"strings"
)

// envAllowlist is the set of parent environment variables passed through
// to the child. Everything else is dropped so sessions behave the same
// regardless of what the orchestrator inherited.
var envAllowlist = []string{
	"PATH",
	"HOME",
	"USER",
	"LANG",
	"LC_ALL",
	"TERM",
	"PWD",
}

// buildEnv constructs the child's environment: the allowlisted parent
// variables, an unbuffered-output hint, and any explicit extras.
// PWD is forced to the working directory and TERM defaulted for TUIs.
func buildEnv(workingDir string, extra map[string]string) []string {
	env := make([]string, 0, len(envAllowlist)+len(extra)+2)
	seen := make(map[string]bool)

	for _, key := range envAllowlist {
		if key == "PWD" {
			continue
		}
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
			seen[key] = true
		}
	}

	if !seen["TERM"] {
		env = append(env, "TERM=xterm-256color")
		seen["TERM"] = true
	}

	env = append(env, "PWD="+workingDir)
	env = append(env, "PYTHONUNBUFFERED=1")

	for key, val := range extra {
		if key == "" || strings.ContainsRune(key, '=') {
			continue
		}
		env = append(env, key+"="+val)
	}

	return env
}

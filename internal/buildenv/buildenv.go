// Package buildenv publishes the manifest's build-identity token into
// the process environment so auxiliary hook-function modules can gate
// their per-build address databases on it before they start resolving
// addresses of their own.
package buildenv

import "os"

// EnvVar is the well-known environment variable name hook-function
// bodies are expected to read.
const EnvVar = "KOTORPATCH_BUILD_ID"

// Publish writes the build identity token into the process
// environment. An empty token is a no-op: the manifest's target_build
// field is optional.
func Publish(token string) error {
	if token == "" {
		return nil
	}
	return os.Setenv(EnvVar, token)
}

// Lookup returns the previously published build identity token, if any.
func Lookup() (string, bool) {
	return os.LookupEnv(EnvVar)
}

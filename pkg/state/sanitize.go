package state

import "strings"

// Env values land in state.json on disk; anything that smells like a
// credential is masked before persisting.
var secretMarkers = []string{
	"PASSWORD", "PASSPHRASE", "SECRET", "TOKEN", "KEY",
	"CREDENTIAL", "AUTH", "PRIVATE", "CERT",
}

const redacted = "[REDACTED]"

// SanitizeEnv copies env, masking values whose key suggests a secret.
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
		upper := strings.ToUpper(k)
		for _, marker := range secretMarkers {
			if strings.Contains(upper, marker) {
				out[k] = redacted
				break
			}
		}
	}
	return out
}

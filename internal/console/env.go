package console

import (
	"os"
	"sort"
	"strings"
)

// maxEnvValueBytes truncates pathological values (some shells accumulate
// multi-megabyte PROMPT_COMMAND-style variables).
const maxEnvValueBytes = 10 * 1024

// blockedEnvNames are dropped outright from child environments so workstation
// secrets never leak into agent or shell sessions.
var blockedEnvNames = map[string]bool{
	"NODE_ENV": true,
	"PORT":     true,
}

// blockedEnvFragments drop any variable whose name contains one of these.
var blockedEnvFragments = []string{
	"API_KEY",
	"APIKEY",
	"ACCESS_TOKEN",
	"AUTH_TOKEN",
	"SECRET",
	"PASSWORD",
	"PRIVATE_KEY",
	"AWS_",
	"STRIPE_",
	"TWILIO_",
	"DATABASE_URL",
	"POSTGRES_",
	"MYSQL_",
	"REDIS_URL",
}

func envBlocked(name string) bool {
	if blockedEnvNames[name] {
		return true
	}
	upper := strings.ToUpper(name)
	for _, frag := range blockedEnvFragments {
		if strings.Contains(upper, frag) {
			return true
		}
	}
	return false
}

// cleanEnv returns the process environment with secret-bearing variables
// removed, oversized values truncated, and extra entries overlaid on top.
func cleanEnv(extra map[string]string) []string {
	out := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || envBlocked(name) {
			continue
		}
		if _, override := extra[name]; override {
			continue
		}
		if len(value) > maxEnvValueBytes {
			value = value[:maxEnvValueBytes]
		}
		out = append(out, name+"="+value)
	}

	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+extra[name])
	}
	return out
}

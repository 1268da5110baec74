package agents

import (
	"log/slog"
	"regexp"
)

// HygieneWarning flags objective text that reads like container-escape
// intent. The operator is trusted, so matches are recorded, not blocked.
type HygieneWarning struct {
	Reason string `json:"reason"`
	Match  string `json:"match"`
}

var hygienePatterns = []struct {
	reason string
	re     *regexp.Regexp
}{
	{"privileged container run", regexp.MustCompile(`(?i)docker\s+run[^\n]*--privileged`)},
	{"host namespace entry", regexp.MustCompile(`(?i)\bnsenter\b`)},
	{"host pid namespace", regexp.MustCompile(`(?i)--pid[= ]host`)},
	{"host network namespace", regexp.MustCompile(`(?i)--net(work)?[= ]host`)},
	{"host filesystem mount", regexp.MustCompile(`(?i)-v\s+/:(?:/|\S)|--volume\s+/:(?:/|\S)|mount\s+[^\n]*\s/host`)},
	{"init process root access", regexp.MustCompile(`/proc/1/root`)},
	{"chroot into host", regexp.MustCompile(`(?i)chroot\s+/host`)},
	{"docker socket access", regexp.MustCompile(`/var/run/docker\.sock`)},
}

// ScanObjective checks an agent objective for escape-shaped instructions and
// logs structured warnings for anything found.
func ScanObjective(agentName, objective string) []HygieneWarning {
	var warnings []HygieneWarning
	for _, p := range hygienePatterns {
		if m := p.re.FindString(objective); m != "" {
			warnings = append(warnings, HygieneWarning{Reason: p.reason, Match: m})
			slog.Warn("agent.objective.suspicious", "agent", agentName, "reason", p.reason, "match", m)
		}
	}
	return warnings
}

package agents

import "testing"

func TestScanObjective(t *testing.T) {
	tests := []struct {
		name      string
		objective string
		warnings  int
	}{
		{"benign", "summarise yesterday's commits and open a draft PR", 0},
		{"privileged run", "docker run --privileged -it ubuntu bash", 1},
		{"nsenter", "use nsenter -t 1 -m to inspect the host", 1},
		{"host pid", "docker run --pid=host alpine ps aux", 1},
		{"host net", "docker run --network host nginx", 1},
		{"root mount", "docker run -v /:/host alpine cat /host/etc/shadow", 1},
		{"proc root", "read /proc/1/root/etc/hostname", 1},
		{"docker sock", "mount /var/run/docker.sock into the container", 1},
		{"multiple", "nsenter then chroot /host and look around", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanObjective("test-agent", tt.objective)
			if len(got) != tt.warnings {
				t.Errorf("ScanObjective(%q) = %d warnings %v, want %d", tt.objective, len(got), got, tt.warnings)
			}
		})
	}
}

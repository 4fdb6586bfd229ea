//go:build linux

package metrics

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// loadScale is the fixed-point scale of sysinfo(2) load averages.
const loadScale = 1 << 16

type sysProbe struct{}

// NewHostProbe returns a probe backed by sysinfo(2) and statfs(2).
func NewHostProbe() HostProbe { return sysProbe{} }

// Load returns the one-minute load average.
func (sysProbe) Load() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("failed to read sysinfo: %w", err)
	}
	return float64(info.Loads[0]) / loadScale, nil
}

// DiskPercent reports usage the way df does: used / (used + available to
// unprivileged users).
func (sysProbe) DiskPercent(path string) (int, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	used := (st.Blocks - st.Bfree) * bsize
	avail := st.Bavail * bsize
	if used+avail == 0 {
		return 0, nil
	}
	return int(math.Ceil(float64(used) / float64(used+avail) * 100)), nil
}

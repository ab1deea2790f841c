package monitoring

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// containerCPU reads cumulative CPU usage from cgroup v1/v2 accounting
// files and normalizes it against the container's own quota, grounded on
// the teacher's platform.ContainerCPU.
type containerCPU struct {
	mu             sync.Mutex
	cgroupPath     string
	cgroupVersion  int
	numCPUsAlloc   float64
	lastUsec       uint64
	lastSampleTime time.Time
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	alloc := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		alloc = float64(quota) / float64(period)
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	return &containerCPU{
		cgroupPath:     path,
		cgroupVersion:  version,
		numCPUsAlloc:   alloc,
		lastUsec:       usage,
		lastSampleTime: time.Now(),
	}, nil
}

func (c *containerCPU) percent() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	deltaUsec := now.Sub(c.lastSampleTime).Microseconds()
	if deltaUsec == 0 {
		return 0, fmt.Errorf("sample interval too small")
	}
	usage, err := readCPUUsage(c.cgroupPath, c.cgroupVersion)
	if err != nil {
		return 0, err
	}
	usedUsec := usage - c.lastUsec
	c.lastUsec = usage
	c.lastSampleTime = now

	raw := (float64(usedUsec) / float64(deltaUsec)) * 100.0
	return raw / c.numCPUsAlloc, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format")
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "usage_usec ") {
				fields := strings.Fields(scanner.Text())
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("usage_usec not found")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

// ResourceGuard is the admission-control gate consulted before accepting a
// new WebSocket upgrade (§4.1, §4.6): new connections are rejected once CPU
// usage crosses rejectThreshold, and ShouldShed reports whether usage has
// reached pauseThreshold. Nothing in the gateway calls ShouldShed.
type ResourceGuard struct {
	cc   *containerCPU
	mode string // "container" or "host"

	rejectThreshold float64
	pauseThreshold  float64
}

// NewResourceGuard constructs a guard, falling back to host-wide CPU
// sampling via gopsutil if cgroup detection fails (e.g. running outside a
// container).
func NewResourceGuard(rejectThreshold, pauseThreshold float64) *ResourceGuard {
	cc, err := newContainerCPU()
	if err != nil {
		return &ResourceGuard{mode: "host", rejectThreshold: rejectThreshold, pauseThreshold: pauseThreshold}
	}
	return &ResourceGuard{cc: cc, mode: "container", rejectThreshold: rejectThreshold, pauseThreshold: pauseThreshold}
}

// Percent returns current CPU usage as a percentage of the allocation
// (container mode) or of total host CPU (host mode fallback).
func (g *ResourceGuard) Percent() (float64, error) {
	if g.mode == "container" {
		return g.cc.percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no cpu sample")
	}
	return pcts[0], nil
}

// AllowConnection reports whether a new upgrade may be admitted given
// current CPU load.
func (g *ResourceGuard) AllowConnection() (bool, float64) {
	pct, err := g.Percent()
	if err != nil {
		return true, 0
	}
	return pct < g.rejectThreshold, pct
}

// ShouldShed reports whether the delivery layer should start shedding
// non-critical load (e.g. widening batch windows, skipping optional
// broadcasts) given current CPU load.
func (g *ResourceGuard) ShouldShed() bool {
	pct, err := g.Percent()
	if err != nil {
		return false
	}
	return pct >= g.pauseThreshold
}

// Mode reports "container" or "host".
func (g *ResourceGuard) Mode() string { return g.mode }

// Package hostinfo collects a host snapshot that agents merge into their
// advertised capabilities at registration, so discovery cards show where
// each agent runs without a separate inventory call.
package hostinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot describes the host an agent is running on.
// Collection is best-effort: fields a platform cannot report stay zero.
type Snapshot struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	CPUs     int    `json:"cpus"`
	MemTotal uint64 `json:"mem_total_bytes"`
}

// Collect gathers the host snapshot.
func Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotal = vm.Total
	}
	return snap
}

// Capabilities returns the snapshot as capability entries, merged under the
// agent's advertised capability map alongside the reserved role/tool keys.
func (s Snapshot) Capabilities() map[string]any {
	return map[string]any{
		"hostname":        s.Hostname,
		"os":              s.OS,
		"platform":        s.Platform,
		"arch":            s.Arch,
		"cpus":            s.CPUs,
		"mem_total_bytes": s.MemTotal,
	}
}

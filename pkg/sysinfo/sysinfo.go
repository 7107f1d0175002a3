package sysinfo

import (
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// Info is a one-shot snapshot of the platform a device runs on, reported in
// status frames so the console can tell tablets apart.
type Info struct {
	Platform       string
	OSVersion      string
	Hostname       string
	MemUsedPercent float64
	UptimeSeconds  uint64
}

// Provider abstracts platform introspection so tests can inject fixtures.
type Provider interface {
	Collect() (Info, error)
}

// HostProvider reads platform information from the local host.
type HostProvider struct{}

// NewHostProvider creates a new HostProvider instance.
func NewHostProvider() *HostProvider {
	return &HostProvider{}
}

// Collect gathers the current platform snapshot.
func (p *HostProvider) Collect() (Info, error) {
	hi, err := host.Info()
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Platform:      hi.Platform,
		OSVersion:     hi.PlatformVersion,
		Hostname:      hi.Hostname,
		UptimeSeconds: hi.Uptime,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsedPercent = vm.UsedPercent
	}

	return info, nil
}

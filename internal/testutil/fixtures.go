// Package testutil provides shared test fixtures.
package testutil

import (
	"github.com/vmnotify/relay/internal/monitor"
)

// NewMachine returns a healthy online Machine suitable for test
// fixtures. Override individual fields via options.
func NewMachine(opts ...func(*monitor.Machine)) monitor.Machine {
	m := monitor.Machine{
		Hostname:       "test-vm",
		Online:         true,
		CPU:            25.0,
		RAM:            40.0,
		DiskUsage:      map[string]any{"/": "45%"},
		LastSeen:       "2026-08-24 10:00:00",
		OS:             "Ubuntu 24.04",
		AgentVersion:   "1.4.2",
		PendingUpdates: 0,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithHostname sets the machine hostname.
func WithHostname(name string) func(*monitor.Machine) {
	return func(m *monitor.Machine) { m.Hostname = name }
}

// Offline marks the machine offline.
func Offline() func(*monitor.Machine) {
	return func(m *monitor.Machine) { m.Online = false }
}

// WithCPU sets the CPU percentage.
func WithCPU(pct float64) func(*monitor.Machine) {
	return func(m *monitor.Machine) { m.CPU = pct }
}

// WithRAM sets the RAM percentage.
func WithRAM(pct float64) func(*monitor.Machine) {
	return func(m *monitor.Machine) { m.RAM = pct }
}

// WithDisk sets the per-mount disk usage mapping.
func WithDisk(usage map[string]any) func(*monitor.Machine) {
	return func(m *monitor.Machine) { m.DiskUsage = usage }
}

// WithOS sets the OS description.
func WithOS(os string) func(*monitor.Machine) {
	return func(m *monitor.Machine) { m.OS = os }
}

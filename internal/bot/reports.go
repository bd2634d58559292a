package bot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmnotify/relay/internal/monitor"
)

// Resource thresholds. CPU or RAM at warnLevel is a warning, at
// alertLevel an alert; disk is listed at diskListLevel and escalates at
// diskSevereLevel.
const (
	warnLevel       = 80.0
	alertLevel      = 90.0
	diskListLevel   = 90.0
	diskSevereLevel = 95.0
)

// healthyReply is the fixed all-clear line shared by summary and alerts.
const healthyReply = "✅ All systems healthy"

// Fleet table limits.
const (
	maxTableRows = 20
	hostColWidth = 13
)

// Summary counts online/offline machines and CPU/RAM alert and warning
// bands. The status glyph escalates to the most severe condition present.
func Summary(machines []monitor.Machine) string {
	var online, offline, alerts, warnings int
	for i := range machines {
		m := &machines[i]
		if !m.Online {
			offline++
			continue
		}
		online++
		peak := m.CPUPercent()
		if ram := m.RAMPercent(); ram > peak {
			peak = ram
		}
		switch {
		case peak >= alertLevel:
			alerts++
		case peak >= warnLevel:
			warnings++
		}
	}

	var b strings.Builder
	b.WriteString("📊 *VM Summary*\n\n")
	fmt.Fprintf(&b, "Total: %d\n", len(machines))
	fmt.Fprintf(&b, "Online: %d / Offline: %d\n", online, offline)
	fmt.Fprintf(&b, "Alerts: %d / Warnings: %d\n\n", alerts, warnings)

	switch {
	case alerts > 0 || offline > 0:
		b.WriteString("Status: 🔴")
	case warnings > 0:
		b.WriteString("Status: ⚠️")
	default:
		b.WriteString(healthyReply)
	}
	return b.String()
}

// Alerts lists every machine that is offline or has CPU/RAM at the warn
// level or disk at the list level. Offline machines are always included
// regardless of resource values.
func Alerts(machines []monitor.Machine) string {
	var lines []string
	for i := range machines {
		m := &machines[i]
		cpu, ram, disk := m.CPUPercent(), m.RAMPercent(), m.MaxDiskPercent()

		if m.Online && cpu < warnLevel && ram < warnLevel && disk < diskListLevel {
			continue
		}

		glyph := "⚠️"
		if !m.Online || cpu >= alertLevel || ram >= alertLevel || disk >= diskSevereLevel {
			glyph = "🔴"
		}

		if !m.Online {
			line := fmt.Sprintf("%s *%s*: offline", glyph, m.Hostname)
			if m.LastSeen != "" {
				line += fmt.Sprintf(" (last seen %s)", m.LastSeen)
			}
			lines = append(lines, line)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s *%s*: CPU %.0f%% RAM %.0f%% Disk %.0f%%",
			glyph, m.Hostname, cpu, ram, disk))
	}

	if len(lines) == 0 {
		return healthyReply
	}
	return "🚨 *Alerts*\n\n" + strings.Join(lines, "\n")
}

// MachineDetail renders one machine: OS, agent version, pending updates,
// CPU/RAM with usage bars, and the per-mount disk breakdown.
func MachineDetail(m *monitor.Machine) string {
	var b strings.Builder

	status := "🟢 online"
	if !m.Online {
		status = "🔴 offline"
	}
	fmt.Fprintf(&b, "🖥 *%s*\nStatus: %s\n", m.Hostname, status)
	if !m.Online && m.LastSeen != "" {
		fmt.Fprintf(&b, "Last seen: %s\n", m.LastSeen)
	}
	if m.OS != "" {
		fmt.Fprintf(&b, "OS: %s\n", m.OS)
	}
	if m.AgentVersion != "" {
		fmt.Fprintf(&b, "Agent: %s\n", m.AgentVersion)
	}
	fmt.Fprintf(&b, "Updates pending: %d\n", m.PendingUpdates)

	cpu, ram := m.CPUPercent(), m.RAMPercent()
	fmt.Fprintf(&b, "\nCPU: [%s] %.0f%%\n", usageBar(cpu), cpu)
	fmt.Fprintf(&b, "RAM: [%s] %.0f%%\n", usageBar(ram), ram)

	mounts := m.DiskMounts()
	switch {
	case len(mounts) == 0:
	case len(mounts) == 1 && mounts[0].Path == "":
		fmt.Fprintf(&b, "Disk: %.0f%%\n", mounts[0].Percent)
	default:
		b.WriteString("\nDisk:\n")
		for _, mount := range mounts {
			fmt.Fprintf(&b, "  %s: %.0f%%\n", mount.Path, mount.Percent)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// usageBar renders a 10-segment bar; filled segments = floor(percent/10).
func usageBar(percent float64) string {
	filled := int(percent / 10)
	if filled < 0 {
		filled = 0
	}
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}

// FleetTable renders the tabular fleet listing: online machines first,
// then descending CPU; hostnames truncated, rows capped with a trailer.
func FleetTable(machines []monitor.Machine) string {
	if len(machines) == 0 {
		return "No machines reported."
	}

	sorted := make([]monitor.Machine, len(machines))
	copy(sorted, machines)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Online != sorted[j].Online {
			return sorted[i].Online
		}
		return sorted[i].CPUPercent() > sorted[j].CPUPercent()
	})

	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "%-*s %-4s %4s %4s %4s\n", hostColWidth, "HOST", "ST", "CPU", "RAM", "DISK")

	rows := sorted
	if len(rows) > maxTableRows {
		rows = rows[:maxTableRows]
	}
	for i := range rows {
		m := &rows[i]
		host := m.Hostname
		if len(host) > hostColWidth {
			host = host[:hostColWidth]
		}
		st := "up"
		if !m.Online {
			st = "DOWN"
		}
		fmt.Fprintf(&b, "%-*s %-4s %3.0f%% %3.0f%% %3.0f%%\n",
			hostColWidth, host, st, m.CPUPercent(), m.RAMPercent(), m.MaxDiskPercent())
	}
	if extra := len(sorted) - maxTableRows; extra > 0 {
		fmt.Fprintf(&b, "+%d more\n", extra)
	}
	b.WriteString("```")
	return b.String()
}

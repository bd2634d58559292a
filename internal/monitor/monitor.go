// Package monitor fetches machine status records from the upstream
// monitoring API. The records are consumed read-only; nothing here
// writes back or caches.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoURL is returned when no monitoring API URL is configured.
var ErrNoURL = errors.New("monitor URL not configured")

// Machine is one status record from the monitoring API. CPU, RAM, and
// DiskUsage are kept loosely typed because the upstream emits them as
// either numbers or "85%" strings depending on agent version; access
// goes through the percent helpers.
type Machine struct {
	Hostname       string `json:"hostname"`
	Online         bool   `json:"online"`
	CPU            any    `json:"cpu"`
	RAM            any    `json:"ram"`
	DiskUsage      any    `json:"disk_usage"`
	LastSeen       string `json:"last_seen"`
	OS             string `json:"os"`
	AgentVersion   string `json:"agent_version"`
	PendingUpdates int    `json:"pending_updates"`
}

// CPUPercent returns the CPU usage as a percentage.
func (m *Machine) CPUPercent() float64 {
	return ParsePercent(m.CPU)
}

// RAMPercent returns the RAM usage as a percentage.
func (m *Machine) RAMPercent() float64 {
	return ParsePercent(m.RAM)
}

// Mount is one entry of a per-mount disk usage breakdown.
type Mount struct {
	Path    string
	Percent float64
}

// DiskMounts returns the per-mount disk usage sorted by mount path.
// A scalar disk_usage value is reported as a single unnamed mount.
func (m *Machine) DiskMounts() []Mount {
	if usage, ok := m.DiskUsage.(map[string]any); ok {
		mounts := make([]Mount, 0, len(usage))
		for path, v := range usage {
			mounts = append(mounts, Mount{Path: path, Percent: ParsePercent(v)})
		}
		sort.Slice(mounts, func(i, j int) bool { return mounts[i].Path < mounts[j].Path })
		return mounts
	}
	if m.DiskUsage == nil {
		return nil
	}
	return []Mount{{Percent: ParsePercent(m.DiskUsage)}}
}

// MaxDiskPercent returns the highest disk usage across all mounts, or the
// scalar value when disk_usage is not a per-mount mapping.
func (m *Machine) MaxDiskPercent() float64 {
	var max float64
	for _, mount := range m.DiskMounts() {
		if mount.Percent > max {
			max = mount.Percent
		}
	}
	return max
}

// ParsePercent converts a loosely typed percentage (number, "85", "85%")
// to a float64. Malformed values fall back to 0 for compatibility with
// the original service; known gap: the fallback can mask genuinely bad
// upstream data.
func ParsePercent(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Client fetches the machine list over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client. Each fetch is bounded by timeout
// (10 seconds when zero).
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// listEnvelope covers the wrapped response shapes the upstream has used.
type listEnvelope struct {
	Machines []Machine `json:"machines"`
	VMs      []Machine `json:"vms"`
}

// Machines performs a single GET of url and decodes the machine list.
// The body may be a bare JSON array or an object carrying the list under
// "machines" or "vms".
func (c *Client) Machines(ctx context.Context, url string) ([]Machine, error) {
	if url == "" {
		return nil, ErrNoURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch machines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("monitor API returned %d", resp.StatusCode)
	}

	var machines []Machine
	if err := json.Unmarshal(body, &machines); err == nil {
		c.logger.Debug("fetched machines", zap.Int("count", len(machines)))
		return machines, nil
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %w", err)
	}
	if env.Machines != nil {
		return env.Machines, nil
	}
	if env.VMs != nil {
		return env.VMs, nil
	}
	return nil, errors.New("unexpected response shape: no machine list")
}

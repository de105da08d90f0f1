// Package hardware queries accelerator, host and disk memory for placement decisions.
package hardware

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Backend is the compute backend of an accelerator (or the host CPU).
type Backend int

const (
	BackendCuda Backend = iota
	BackendMetal
	BackendRocm
	BackendCpuArm
	BackendCpuX86
)

func (b Backend) String() string {
	switch b {
	case BackendCuda:
		return "CUDA"
	case BackendMetal:
		return "Metal"
	case BackendRocm:
		return "ROCm"
	case BackendCpuArm:
		return "CPU (ARM)"
	default:
		return "CPU (x86)"
	}
}

func (b Backend) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *Backend) UnmarshalText(text []byte) error {
	for _, c := range []Backend{BackendCuda, BackendMetal, BackendRocm, BackendCpuArm, BackendCpuX86} {
		if strings.EqualFold(c.String(), string(text)) {
			*b = c
			return nil
		}
	}
	return fmt.Errorf("unknown backend %q", text)
}

// Accelerator is one detected device.
type Accelerator struct {
	Name       string  `json:"name"`
	Backend    Backend `json:"backend"`
	TotalBytes uint64  `json:"total_bytes"`
	FreeBytes  uint64  `json:"free_bytes"`
	BF16       bool    `json:"bf16"`
	Unified    bool    `json:"unified_memory"`
	ComputeCap string  `json:"compute_capability,omitempty"`
}

// System is a snapshot of the machine's memory resources.
type System struct {
	HostTotalBytes     uint64        `json:"host_total_bytes"`
	HostAvailableBytes uint64        `json:"host_available_bytes"`
	CPUCores           int           `json:"cpu_cores"`
	CPUName            string        `json:"cpu_name"`
	Backend            Backend       `json:"backend"`
	Accelerators       []Accelerator `json:"accelerators"`
}

// Primary returns the largest accelerator, or nil.
func (s *System) Primary() *Accelerator {
	if len(s.Accelerators) == 0 {
		return nil
	}
	return &s.Accelerators[0]
}

// HasAccelerator reports whether any accelerator was found.
func (s *System) HasAccelerator() bool { return len(s.Accelerators) > 0 }

// BudgetBytes is the memory available on the primary accelerator, 0 without one.
// Only one device is used for placement.
func (s *System) BudgetBytes() uint64 {
	p := s.Primary()
	if p == nil {
		return 0
	}
	if p.FreeBytes > 0 {
		return p.FreeBytes
	}
	return p.TotalBytes
}

// BF16 reports whether the primary accelerator computes in bfloat16.
func (s *System) BF16() bool {
	p := s.Primary()
	return p != nil && p.BF16
}

// MemoryQuery reports the machine's accelerator and host memory.
type MemoryQuery interface {
	Query(ctx context.Context) (*System, error)
}

// Runner runs an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector queries the local machine. Run and GOOS are replaceable for tests.
type Detector struct {
	Run  Runner
	GOOS string
}

// NewDetector returns a Detector for the current machine.
func NewDetector() *Detector {
	return &Detector{Run: execRunner, GOOS: runtime.GOOS}
}

// Query implements MemoryQuery.
func (d *Detector) Query(ctx context.Context) (*System, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mem: %w", err)
	}
	avail := v.Available
	if avail == 0 && v.Total > 0 {
		avail = d.availableFallback(ctx, v.Total)
	}

	cpuName := "Unknown CPU"
	if infos, _ := cpu.InfoWithContext(ctx); len(infos) > 0 {
		cpuName = infos[0].ModelName
		if cpuName == "" {
			cpuName = infos[0].VendorID
		}
	}

	s := &System{
		HostTotalBytes:     v.Total,
		HostAvailableBytes: avail,
		CPUCores:           runtime.NumCPU(),
		CPUName:            cpuName,
		Backend:            backendCPU(cpuName),
	}
	s.Accelerators = d.accelerators(ctx, s)
	sort.SliceStable(s.Accelerators, func(i, j int) bool {
		return s.Accelerators[i].TotalBytes > s.Accelerators[j].TotalBytes
	})
	if p := s.Primary(); p != nil {
		s.Backend = p.Backend
	}
	return s, nil
}

func (d *Detector) accelerators(ctx context.Context, s *System) []Accelerator {
	var out []Accelerator
	if b, err := d.Run(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.free,name,compute_cap", "--format=csv,noheader,nounits"); err == nil {
		out = append(out, parseNvidiaSMI(string(b))...)
	}
	if len(out) == 0 {
		if b, err := d.Run(ctx, "rocm-smi", "--showmeminfo", "vram"); err == nil {
			if a := parseROCmMemInfo(string(b)); a != nil {
				if nb, err := d.Run(ctx, "rocm-smi", "--showproductname"); err == nil {
					if n := parseROCmProductName(string(nb)); n != "" {
						a.Name = n
					}
				}
				out = append(out, *a)
			}
		}
	}
	if d.GOOS == "darwin" && strings.Contains(strings.ToLower(s.CPUName), "apple") {
		out = append(out, Accelerator{
			Name:       s.CPUName,
			Backend:    BackendMetal,
			TotalBytes: s.HostTotalBytes,
			FreeBytes:  s.HostAvailableBytes,
			Unified:    true,
		})
	}
	return out
}

// parseNvidiaSMI parses "total, free, name, compute_cap" lines (MiB).
func parseNvidiaSMI(text string) []Accelerator {
	var out []Accelerator
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		totalMB, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			continue
		}
		a := Accelerator{Name: "NVIDIA GPU", Backend: BackendCuda, TotalBytes: uint64(totalMB * mib)}
		if len(parts) > 1 {
			if freeMB, err := strconv.ParseFloat(parts[1], 64); err == nil {
				a.FreeBytes = uint64(freeMB * mib)
			}
		}
		if len(parts) > 2 && parts[2] != "" {
			a.Name = parts[2]
		}
		if len(parts) > 3 {
			a.ComputeCap = parts[3]
			a.BF16 = computeCapAtLeast(parts[3], 8)
		}
		if a.TotalBytes == 0 {
			a.TotalBytes = uint64(estimateVRAMFromName(a.Name) * gib)
		}
		out = append(out, a)
	}
	return out
}

// computeCapAtLeast reports whether a "major.minor" capability has major >= want.
func computeCapAtLeast(cc string, want int) bool {
	major, _, _ := strings.Cut(cc, ".")
	n, err := strconv.Atoi(major)
	return err == nil && n >= want
}

// parseROCmMemInfo sums the "VRAM Total Memory (B)" and "VRAM Total Used Memory (B)" lines.
func parseROCmMemInfo(text string) *Accelerator {
	var total, used uint64
	found := false
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.ToLower(sc.Text())
		if !strings.Contains(line, "total") {
			continue
		}
		n, ok := lastUint(sc.Text())
		if !ok {
			continue
		}
		if strings.Contains(line, "used") {
			used += n
		} else {
			total += n
			found = true
		}
	}
	if !found {
		return nil
	}
	a := &Accelerator{Name: "AMD GPU", Backend: BackendRocm, TotalBytes: total, BF16: true}
	if used <= total {
		a.FreeBytes = total - used
	}
	return a
}

func parseROCmProductName(text string) string {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		l := strings.ToLower(line)
		for _, label := range []string{"card series", "card model"} {
			i := strings.Index(l, label)
			if i < 0 {
				continue
			}
			// Lines carry a "GPU[n] :" prefix, so the value follows the label's colon.
			if _, v, ok := strings.Cut(line[i+len(label):], ":"); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func lastUint(line string) (uint64, bool) {
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		if n, err := strconv.ParseUint(fields[i], 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func backendCPU(cpuName string) Backend {
	lower := strings.ToLower(cpuName)
	if strings.Contains(lower, "apple") || runtime.GOARCH == "arm64" {
		return BackendCpuArm
	}
	return BackendCpuX86
}

func (d *Detector) availableFallback(ctx context.Context, total uint64) uint64 {
	if d.GOOS == "darwin" {
		if out, err := d.Run(ctx, "vm_stat"); err == nil {
			if avail := parseVMStat(out); avail > 0 {
				return avail
			}
		}
	}
	return total / 10 * 8
}

// parseVMStat returns free + inactive + purgeable pages in bytes.
func parseVMStat(out []byte) uint64 {
	var pageSize uint64 = 16384
	var free, inactive, purgeable uint64
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "page size of "); i >= 0 {
			if n, ok := lastUint(strings.TrimSuffix(line[i+13:], " bytes)")); ok {
				pageSize = n
			}
		}
		pages := func(prefix string, dst *uint64) {
			if strings.HasPrefix(line, prefix) {
				if n, err := strconv.ParseUint(strings.Trim(strings.TrimPrefix(line, prefix), " ."), 10, 64); err == nil {
					*dst = n
				}
			}
		}
		pages("Pages free:", &free)
		pages("Pages inactive:", &inactive)
		pages("Pages purgeable:", &purgeable)
	}
	return (free + inactive + purgeable) * pageSize
}

// DiskFree returns the bytes available to unprivileged users on the filesystem holding path.
func DiskFree(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return u.Free, nil
}

const (
	mib = 1 << 20
	gib = 1 << 30
)

var vramByName = []struct {
	match string
	gb    float64
}{
	{"5090", 32}, {"5080", 16}, {"5070 ti", 16}, {"5070", 12}, {"5060 ti", 16}, {"5060", 8},
	{"4090", 24}, {"4080", 16}, {"4070 ti", 12}, {"4070", 12}, {"4060 ti", 16}, {"4060", 8},
	{"3090", 24}, {"3080 ti", 12}, {"3080", 10}, {"3070", 8}, {"3060 ti", 8}, {"3060", 12},
	{"h100", 80}, {"a100", 80}, {"l40", 48}, {"a10", 24}, {"t4", 16},
	{"rtx", 8}, {"gtx", 4},
}

// estimateVRAMFromName is used when the driver reports no memory size.
func estimateVRAMFromName(name string) float64 {
	l := strings.ToLower(name)
	for _, e := range vramByName {
		if strings.Contains(l, e.match) {
			return e.gb
		}
	}
	return 0
}

// Static is a fixed MemoryQuery.
type Static struct{ System System }

func (s Static) Query(context.Context) (*System, error) {
	sys := s.System
	return &sys, nil
}

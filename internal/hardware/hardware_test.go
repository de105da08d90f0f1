package hardware

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func TestParseNvidiaSMI(t *testing.T) {
	text := "24564, 20000, NVIDIA GeForce RTX 4090, 8.9\n\n16384, 15000, Tesla T4, 7.5\n"
	gpus := parseNvidiaSMI(text)
	if len(gpus) != 2 {
		t.Fatalf("parseNvidiaSMI len = %d, want 2", len(gpus))
	}
	if gpus[0].Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("gpus[0].Name = %q", gpus[0].Name)
	}
	if gpus[0].TotalBytes != 24564*mib || gpus[0].FreeBytes != 20000*mib {
		t.Errorf("gpus[0] memory = %d / %d", gpus[0].TotalBytes, gpus[0].FreeBytes)
	}
	if !gpus[0].BF16 {
		t.Error("compute 8.9 should support bf16")
	}
	if gpus[1].BF16 {
		t.Error("compute 7.5 should not support bf16")
	}
}

func TestParseNvidiaSMI_UnknownSize(t *testing.T) {
	gpus := parseNvidiaSMI("0, 0, NVIDIA GeForce RTX 4090, 8.9\n")
	if len(gpus) != 1 || gpus[0].TotalBytes != 24*gib {
		t.Errorf("gpus = %+v, want 24 GiB estimate", gpus)
	}
}

func TestParseROCmMemInfo(t *testing.T) {
	text := `============================ ROCm System Management Interface ============================
GPU[0]		: VRAM Total Memory (B): 17163091968
GPU[0]		: VRAM Total Used Memory (B): 1163091968
`
	a := parseROCmMemInfo(text)
	if a == nil {
		t.Fatal("parseROCmMemInfo = nil")
	}
	if a.TotalBytes != 17163091968 || a.FreeBytes != 16000000000 {
		t.Errorf("memory = %d / %d", a.TotalBytes, a.FreeBytes)
	}
	if parseROCmMemInfo("no gpus") != nil {
		t.Error("expected nil without a total line")
	}
}

func TestParseROCmProductName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"card series", "GPU[0] : Card series: Radeon RX 7900 XTX\n", "Radeon RX 7900 XTX"},
		{"tab separated", "GPU[0]\t\t: Card Series:\t\tAMD Instinct MI300X\n", "AMD Instinct MI300X"},
		{"card model fallback", "GPU[0] : Card model: 0x744c\n", "0x744c"},
		{"empty series uses model", "GPU[0] : Card series: \nGPU[0] : Card model: Navi 31\n", "Navi 31"},
		{"no prefix", "Card series: Radeon Pro W7800\n", "Radeon Pro W7800"},
		{"no product lines", "GPU[0] : Card vendor: Advanced Micro Devices, Inc.\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseROCmProductName(tt.in); got != tt.want {
				t.Errorf("parseROCmProductName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateVRAMFromName(t *testing.T) {
	tests := []struct {
		name string
		want float64
	}{
		{"NVIDIA GeForce RTX 4090", 24},
		{"RTX 4080", 16},
		{"H100", 80},
		{"A100", 80},
		{"RTX 3060", 12},
		{"Unknown", 0},
	}
	for _, tt := range tests {
		got := estimateVRAMFromName(tt.name)
		if got != tt.want {
			t.Errorf("estimateVRAMFromName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseVMStat(t *testing.T) {
	out := []byte(`Mach Virtual Memory Statistics: (page size of 16384 bytes)
Pages free:                               10.
Pages active:                            500.
Pages inactive:                           20.
Pages purgeable:                           5.
`)
	if got := parseVMStat(out); got != 35*16384 {
		t.Errorf("parseVMStat = %d, want %d", got, 35*16384)
	}
}

func TestBackendCPU(t *testing.T) {
	if got := backendCPU("Apple M1 Pro"); got != BackendCpuArm {
		t.Errorf("backendCPU(Apple M1 Pro) = %v, want BackendCpuArm", got)
	}
	got := backendCPU("Intel Xeon")
	if runtime.GOARCH == "arm64" {
		if got != BackendCpuArm {
			t.Errorf("backendCPU(Intel Xeon) on arm64 = %v, want BackendCpuArm", got)
		}
	} else if got != BackendCpuX86 {
		t.Errorf("backendCPU(Intel Xeon) on %s = %v, want BackendCpuX86", runtime.GOARCH, got)
	}
}

func TestDetectorAccelerators(t *testing.T) {
	d := &Detector{
		GOOS: "linux",
		Run: func(_ context.Context, name string, _ ...string) ([]byte, error) {
			if name == "nvidia-smi" {
				return []byte("8192, 4096, Small GPU, 7.0\n24576, 20480, Big GPU, 8.6\n"), nil
			}
			return nil, errors.New("not found")
		},
	}
	sys, err := d.Query(context.Background())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	p := sys.Primary()
	if p == nil || p.Name != "Big GPU" {
		t.Fatalf("Primary = %+v, want Big GPU", p)
	}
	if sys.BudgetBytes() != 20480*mib || !sys.BF16() || sys.Backend != BackendCuda {
		t.Errorf("budget %d bf16 %v backend %v", sys.BudgetBytes(), sys.BF16(), sys.Backend)
	}
}

func TestNoAccelerator(t *testing.T) {
	s := &System{HostTotalBytes: 8 * gib}
	if s.HasAccelerator() || s.BudgetBytes() != 0 || s.BF16() {
		t.Errorf("empty system reports an accelerator: %+v", s)
	}
}

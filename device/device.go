// Package device resolves the compute device training and inference run on.
package device

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// CPU is the only device this module executes on
const CPU = "cpu"

// ErrUnavailable is returned when a requested accelerator is not built in
var ErrUnavailable = errors.New("device unavailable")

// Device describes the host processor selected for computation
type Device struct {
	Name          string   `json:"name"`
	Vendor        string   `json:"vendor"`
	BrandName     string   `json:"brand"`
	PhysicalCores int      `json:"cores"`
	LogicalCores  int      `json:"threads"`
	Features      []string `json:"flags"`
}

// String implements fmt.Stringer
func (d Device) String() string {
	return fmt.Sprintf("%s (%s %s, %d cores, %d threads)", d.Name, d.Vendor, d.BrandName, d.PhysicalCores, d.LogicalCores)
}

// Workers is the parallelism worth using for independent CPU-bound work
func (d Device) Workers() int {
	if d.LogicalCores > 0 {
		return d.LogicalCores
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// HasAVX2 reports whether vectorised float kernels are available on the host
func (d Device) HasAVX2() bool {
	for _, f := range d.Features {
		if f == "AVX2" {
			return true
		}
	}
	return false
}

// Get resolves name to a device. An empty name or "auto" selects the CPU.
// Accelerator names are recognised but reported as unavailable.
func Get(name string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", CPU:
		return host(), nil
	case "cuda", "mps", "metal", "gpu":
		return Device{}, errors.Wrapf(ErrUnavailable, "%q is not supported by this build", name)
	default:
		return Device{}, errors.Wrapf(ErrUnavailable, "unknown device %q", name)
	}
}

func host() Device {
	cpu := cpuid.CPU
	flags := cpu.FeatureSet()
	sort.Strings(flags)

	return Device{
		Name:          CPU,
		Vendor:        cpu.VendorString,
		BrandName:     cpu.BrandName,
		PhysicalCores: cpu.PhysicalCores,
		LogicalCores:  cpu.LogicalCores,
		Features:      flags,
	}
}

package manager

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// DeviceProbe reports whether an accelerator is usable on this host.
type DeviceProbe func() bool

// DefaultDeviceProbe looks for the NVIDIA control device or nvidia-smi on PATH.
func DefaultDeviceProbe() bool {
	if _, err := os.Stat("/dev/nvidiactl"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// ResolveDevice turns a device selector into a concrete device name.
//
//	""/auto  -> cuda when the probe finds an accelerator, else cpu
//	cpu      -> cpu
//	cuda     -> cuda, only with an accelerator
//	cuda:N   -> cuda:N, only with an accelerator
func ResolveDevice(selector string, probe DeviceProbe) (string, error) {
	if probe == nil {
		probe = DefaultDeviceProbe
	}
	sel := strings.ToLower(strings.TrimSpace(selector))
	switch {
	case sel == "" || sel == "auto":
		if probe() {
			return "cuda", nil
		}
		return "cpu", nil
	case sel == "cpu":
		return "cpu", nil
	case sel == "cuda" || isCUDAOrdinal(sel):
		if !probe() {
			return "", &ResourceError{Op: "select device", Err: fmt.Errorf("CUDA requested but not available")}
		}
		return sel, nil
	}
	return "", &ResourceError{Op: "select device", Err: fmt.Errorf("unsupported device %q", selector)}
}

func isCUDAOrdinal(sel string) bool {
	n, ok := strings.CutPrefix(sel, "cuda:")
	if !ok || n == "" {
		return false
	}
	i, err := strconv.Atoi(n)
	return err == nil && i >= 0
}

package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AvailableMemory returns available system memory in bytes.
func AvailableMemory() (uint64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						return kb * 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return uint64(sysinfo.Freeram) * uint64(sysinfo.Unit), nil
}

package observability

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessUsage is a snapshot of the current process. Open file
// descriptors are the number to watch next to a pool's open connections.
type ProcessUsage struct {
	PID        int32   `json:"pid"`
	OpenFDs    int32   `json:"open_fds"`
	Threads    int32   `json:"threads"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// CurrentProcess samples the running process. Fields the platform cannot
// report are left zero.
func CurrentProcess() (ProcessUsage, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessUsage{}, err
	}

	usage := ProcessUsage{PID: proc.Pid}
	usage.OpenFDs, _ = proc.NumFDs()
	usage.Threads, _ = proc.NumThreads()
	if mem, err := proc.MemoryInfo(); err == nil {
		usage.RSSBytes = mem.RSS
	}
	usage.CPUPercent, _ = proc.CPUPercent()
	return usage, nil
}

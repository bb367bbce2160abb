package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/docflow/docflow/internal/job"
)

// Usage is a host resource reading in percent.
type Usage struct {
	MemoryPercent float64
	CPUPercent    float64
	DiskPercent   float64
}

// UsageReader reports host resource usage.
type UsageReader interface {
	Usage() (Usage, error)
}

// ProcReader reads memory and CPU from procfs and disk usage via statfs.
// CPU is the busy share of the interval since the previous call; the first
// call reports the busy share since boot.
type ProcReader struct {
	fs       procfs.FS
	diskPath string

	mu        sync.Mutex
	lastTotal float64
	lastIdle  float64
}

// NewProcReader opens procfs at mountPoint ("" for /proc). diskPath is the
// filesystem whose usage is reported, typically the store directory.
func NewProcReader(mountPoint, diskPath string) (*ProcReader, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "."
	}
	return &ProcReader{fs: fs, diskPath: diskPath}, nil
}

func (p *ProcReader) Usage() (Usage, error) {
	var u Usage

	mem, err := p.fs.Meminfo()
	if err != nil {
		return u, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal != nil && *mem.MemTotal > 0 {
		avail := uint64(0)
		switch {
		case mem.MemAvailable != nil:
			avail = *mem.MemAvailable
		case mem.MemFree != nil:
			avail = *mem.MemFree
		}
		u.MemoryPercent = percent(float64(*mem.MemTotal-min(avail, *mem.MemTotal)), float64(*mem.MemTotal))
	}

	stat, err := p.fs.Stat()
	if err != nil {
		return u, fmt.Errorf("read stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal

	p.mu.Lock()
	dTotal, dIdle := total-p.lastTotal, idle-p.lastIdle
	p.lastTotal, p.lastIdle = total, idle
	p.mu.Unlock()
	if dTotal > 0 {
		u.CPUPercent = percent(dTotal-dIdle, dTotal)
	}

	u.DiskPercent, err = diskUsedPercent(p.diskPath)
	if err != nil {
		return u, fmt.Errorf("statfs %s: %w", p.diskPath, err)
	}
	return u, nil
}

// StatusFunc returns the current queue status.
type StatusFunc func(ctx context.Context) (job.QueueStatus, error)

// Sampler combines host usage with queue statistics into MetricsSamples.
type Sampler struct {
	usage  UsageReader
	status StatusFunc
}

// NewSampler builds a Sampler. A nil reader reports zero host usage.
func NewSampler(usage UsageReader, status StatusFunc) *Sampler {
	return &Sampler{usage: usage, status: status}
}

// Sample takes a point-in-time snapshot.
func (s *Sampler) Sample(ctx context.Context) (*job.MetricsSample, error) {
	m := &job.MetricsSample{
		Goroutines: runtime.NumGoroutine(),
		CreatedAt:  time.Now().UTC(),
	}
	if s.status != nil {
		qs, err := s.status(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue status: %w", err)
		}
		m.QueueLength = qs.QueueLength
		m.ActiveJobs = qs.Running
		m.ErrorRate = qs.ErrorRate()
	}
	if s.usage != nil {
		u, err := s.usage.Usage()
		if err != nil {
			return nil, err
		}
		m.MemoryPercent = u.MemoryPercent
		m.CPUPercent = u.CPUPercent
		m.DiskPercent = u.DiskPercent
	}
	return m, nil
}

func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

// Package sysmetrics samples this process's own CPU, memory, and file
// descriptor usage via gopsutil, the way go-server/internal/metrics's
// SystemMetrics samples host-wide CPU with the same library — here
// narrowed to the current process and exposed through a Prometheus
// gauge set alongside the domain registry.
package sysmetrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler periodically reads this process's resource usage and exposes
// it through Prometheus gauges.
type Sampler struct {
	mu   sync.Mutex
	proc *process.Process

	cpuPercent prometheus.Gauge
	rssBytes   prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewSampler creates a Sampler for the current process, registering its
// gauges against reg (nil uses the default global registry).
func NewSampler(reg prometheus.Registerer) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	factory := promauto.With(reg)
	return &Sampler{
		proc: proc,
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obsr_process_cpu_percent",
			Help: "CPU usage percentage of this process, as of the last Sample call.",
		}),
		rssBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obsr_process_rss_bytes",
			Help: "Resident set size of this process, in bytes.",
		}),
		numFDs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "obsr_process_open_fds",
			Help: "Number of open file descriptors held by this process.",
		}),
	}, nil
}

// Sample refreshes the gauges from the current process state. Errors
// from any individual gopsutil call are ignored — a missed sample just
// leaves the previous gauge value in place.
func (s *Sampler) Sample() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pct, err := s.proc.CPUPercent(); err == nil {
		s.cpuPercent.Set(pct)
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		s.rssBytes.Set(float64(mem.RSS))
	}
	if n, err := s.proc.NumFDs(); err == nil {
		s.numFDs.Set(float64(n))
	}
}

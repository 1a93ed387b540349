package toolexecutor

import (
	"sync"
)

// Resource names reported in resource_limit_exceeded errors.
const (
	ResourceMemory    = "memory"
	ResourceCPUTime   = "cpu_time"
	ResourceOutput    = "output_size"
	ResourceFileCount = "file_count"
	ResourceBandwidth = "bandwidth"
	ResourceFileSize  = "file_size"
	ResourceResponse  = "response_size"
)

// ResourceLimits bound a single execution. Zero means unlimited.
type ResourceLimits struct {
	MemoryBytes    int64 `json:"memory_bytes,omitempty"`
	CPUTimeMS      int64 `json:"cpu_time_ms,omitempty"`
	OutputBytes    int64 `json:"output_bytes,omitempty"`
	FileCount      int64 `json:"file_count,omitempty"`
	BandwidthBytes int64 `json:"bandwidth_bytes,omitempty"`
}

// Merge returns l with every non-zero field of override applied.
func (l ResourceLimits) Merge(override *ResourceLimits) ResourceLimits {
	if override == nil {
		return l
	}
	if override.MemoryBytes != 0 {
		l.MemoryBytes = override.MemoryBytes
	}
	if override.CPUTimeMS != 0 {
		l.CPUTimeMS = override.CPUTimeMS
	}
	if override.OutputBytes != 0 {
		l.OutputBytes = override.OutputBytes
	}
	if override.FileCount != 0 {
		l.FileCount = override.FileCount
	}
	if override.BandwidthBytes != 0 {
		l.BandwidthBytes = override.BandwidthBytes
	}
	return l
}

// UsageTracker accounts the resources consumed by one execution across all
// of its attempts. Backends report usage as it happens and stop on the first
// returned error. Safe for concurrent use.
type UsageTracker struct {
	mu     sync.Mutex
	limits ResourceLimits

	memory, peakMemory int64
	bytesRead          int64
	bytesWritten       int64
	network            int64
	files              int64

	reportedMemory, reportedRead, reportedWritten, reportedNetwork, reportedFiles bool
}

// NewUsageTracker creates a tracker enforcing limits.
func NewUsageTracker(limits ResourceLimits) *UsageTracker {
	return &UsageTracker{limits: limits}
}

// Limits returns the limits being enforced.
func (u *UsageTracker) Limits() ResourceLimits {
	if u == nil {
		return ResourceLimits{}
	}
	return u.limits
}

// ReserveMemory accounts n bytes buffered in memory.
func (u *UsageTracker) ReserveMemory(n int64) error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	u.reportedMemory = true
	u.memory += n
	if u.memory > u.peakMemory {
		u.peakMemory = u.memory
	}
	if u.limits.MemoryBytes > 0 && u.memory > u.limits.MemoryBytes {
		return ResourceLimitError(ResourceMemory, u.limits.MemoryBytes, u.memory)
	}
	return nil
}

// ReleaseMemory returns n previously reserved bytes.
func (u *UsageTracker) ReleaseMemory(n int64) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.memory -= n
	if u.memory < 0 {
		u.memory = 0
	}
}

// RecordRead accounts n bytes read from disk or a device.
func (u *UsageTracker) RecordRead(n int64) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reportedRead = true
	u.bytesRead += n
}

// RecordWritten accounts n bytes written to disk or a device.
func (u *UsageTracker) RecordWritten(n int64) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reportedWritten = true
	u.bytesWritten += n
}

// RecordNetwork accounts n bytes sent or received over the network.
func (u *UsageTracker) RecordNetwork(n int64) error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	u.reportedNetwork = true
	u.network += n
	if u.limits.BandwidthBytes > 0 && u.network > u.limits.BandwidthBytes {
		return ResourceLimitError(ResourceBandwidth, u.limits.BandwidthBytes, u.network)
	}
	return nil
}

// TouchFile accounts one file opened, created or removed.
func (u *UsageTracker) TouchFile() error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	u.reportedFiles = true
	u.files++
	if u.limits.FileCount > 0 && u.files > u.limits.FileCount {
		return ResourceLimitError(ResourceFileCount, u.limits.FileCount, u.files)
	}
	return nil
}

// CheckOutput verifies an output of n bytes fits the output limit.
func (u *UsageTracker) CheckOutput(n int64) error {
	if u == nil || u.limits.OutputBytes <= 0 || n <= u.limits.OutputBytes {
		return nil
	}
	return ResourceLimitError(ResourceOutput, u.limits.OutputBytes, n)
}

// applyTo copies reported figures into m; unreported ones stay nil.
func (u *UsageTracker) applyTo(m *ExecutionMetrics) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	ptr := func(v int64) *int64 { return &v }
	if u.reportedMemory {
		m.MemoryBytes = ptr(u.peakMemory)
	}
	if u.reportedRead {
		m.BytesRead = ptr(u.bytesRead)
	}
	if u.reportedWritten {
		m.BytesWritten = ptr(u.bytesWritten)
	}
	if u.reportedNetwork {
		m.NetworkBytes = ptr(u.network)
	}
	if u.reportedFiles {
		m.FileCount = ptr(u.files)
	}
}

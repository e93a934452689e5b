package monitor

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// DiskUsageCacheTTL bounds how often the data directory is walked.
const DiskUsageCacheTTL = 10 * time.Second

// DiskUsage is the on-disk footprint of a file-backed store.
type DiskUsage struct {
	Path      string `json:"path"`
	UsedBytes int64  `json:"used_bytes"`
	Files     int    `json:"files"`
}

// StorageMonitor reports the disk usage of the store's data directory,
// caching the walk for DiskUsageCacheTTL.
type StorageMonitor struct {
	dataDir   string
	ttl       time.Duration
	mu        sync.Mutex
	cached    DiskUsage
	lastCheck time.Time
}

// NewStorageMonitor creates a monitor for dataDir. A badger directory or the
// directory holding the sqlite file are both valid.
func NewStorageMonitor(dataDir string) *StorageMonitor {
	return &StorageMonitor{dataDir: dataDir, ttl: DiskUsageCacheTTL}
}

// Usage returns the cached usage, rescanning when the cache has expired.
func (sm *StorageMonitor) Usage() (DiskUsage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.ttl {
		return sm.cached, nil
	}

	usage, err := scanDir(sm.dataDir)
	if err != nil {
		return DiskUsage{}, err
	}
	sm.cached = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// scanDir sums allocated (not logical) file sizes so sparse value logs are
// reported as they sit on disk.
func scanDir(root string) (DiskUsage, error) {
	usage := DiskUsage{Path: root}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size, err := allocatedSize(path, info)
		if err != nil {
			size = info.Size()
		}
		usage.UsedBytes += size
		usage.Files++
		return nil
	})
	return usage, err
}

package watch

import (
	"os"
	"time"
)

// FileInfo is the subset of stat metadata the watch cache needs.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Filesystem abstracts the stat calls the watch cache performs, so hosts can
// bound or fake filesystem access.
type Filesystem interface {
	Exists(path string) bool
	Stat(path string) (FileInfo, error)
}

// OSFilesystem is the default Filesystem backed by the os package.
type OSFilesystem struct{}

func (OSFilesystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFilesystem) Stat(path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

package ironbase

import (
	"encoding/binary"

	mmap "github.com/edsrzf/mmap-go"
)

// mmapView is the optional read-accelerating memory map over a data file
// below mmapThresholdBytes. A zero mmapView (nil data) means no map is
// active and reads fall back to the file handle.
type mmapView struct {
	data mmap.MMap
}

// openMmap opens the mmap view under the storage engine's lock, used after
// the initial Open (no lock is held yet at that point).
func (s *StorageEngine) openMmap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openMmapLocked()
}

// openMmapLocked (re)establishes the mmap view for files under the size
// threshold. Failures are non-fatal: the engine simply falls back to
// file-handle reads, since mmap is an acceleration, not a correctness
// requirement.
func (s *StorageEngine) openMmapLocked() {
	info, err := s.file.Stat()
	if err != nil || info.Size() == 0 || info.Size() >= mmapThresholdBytes {
		return
	}

	m, err := mmap.Map(s.file, mmap.RDONLY, 0)
	if err != nil {
		return
	}

	s.mmap = mmapView{data: m}
}

func (s *StorageEngine) closeMmap() {
	if s.mmap.data != nil {
		_ = s.mmap.data.Unmap()
		s.mmap.data = nil
	}
}

// mmapReadAt attempts to read the framed record at offset from the mmap
// view. Returns (nil, false) when no view is active, the view is stale
// relative to dataEnd (the file has grown since it was mapped), or the
// record is malformed, in all of which cases the caller falls back to the
// file handle.
func (s *StorageEngine) mmapReadAt(offset int64) ([]byte, bool) {
	data := s.mmap.data
	if data == nil {
		return nil, false
	}

	if offset < 0 || offset+4 > int64(len(data)) {
		return nil, false
	}

	length := binary.LittleEndian.Uint32(data[offset : offset+4])
	start := offset + 4
	end := start + int64(length)

	if end > int64(len(data)) || end > s.dataEnd {
		return nil, false
	}

	body := make([]byte, length)
	copy(body, data[start:end])

	return body, true
}

package backup

// SourceSpec is an ordered list of paths relative to a source root. Each
// entry is a file or a directory copied recursively.
type SourceSpec []string

// StagingArea is the directory one cycle copies its sources into.
type StagingArea struct {
	Path        string        `json:"path"`
	FilesCopied int           `json:"files_copied"`
	BytesCopied int64         `json:"bytes_copied"`
	Skipped     []string      `json:"skipped,omitempty"`
	Failures    []ItemFailure `json:"failures,omitempty"`
}

// ArchiveMember is one size-bounded zip file of an ArchiveSet.
type ArchiveMember struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Files    int    `json:"files"`
	RawBytes int64  `json:"raw_bytes"`
}

// ArchiveSet is the ordered output of one Archive call. Member i is named
// <prefix>_part<i>.zip starting at 1.
type ArchiveSet struct {
	Members  []ArchiveMember `json:"members"`
	Failures []ItemFailure   `json:"failures,omitempty"`
}

// Paths returns the member paths in order.
func (s *ArchiveSet) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, len(s.Members))
	for i, m := range s.Members {
		paths[i] = m.Path
	}
	return paths
}

// TotalSize returns the sum of member sizes.
func (s *ArchiveSet) TotalSize() int64 {
	if s == nil {
		return 0
	}
	var total int64
	for _, m := range s.Members {
		total += m.Size
	}
	return total
}

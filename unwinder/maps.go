// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/perf-recorder/unwinder"

import (
	"archive/zip"
	"fmt"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/process"
)

// MapProvider exposes the memory maps of processes together with a version
// that grows whenever the maps of a process change.
type MapProvider interface {
	Maps(pid libpf.PID) (version uint64, maps []process.Mapping, ok bool)
}

// MapEntry is one memory region in the shape the unwind primitive expects.
type MapEntry struct {
	Start, End uint64
	// Offset is the file offset of Start in Path.
	Offset     uint64
	Path       string
	// Executable is false for data maps. No frame can execute there.
	Executable bool
}

// FileOffset translates addr inside the entry to an offset in its file.
func (e *MapEntry) FileOffset(addr uint64) uint64 {
	return addr - e.Start + e.Offset
}

// MapSnapshot is an immutable, address sorted view of one process's maps.
type MapSnapshot struct {
	Version uint64
	Entries []MapEntry
}

// Find returns the entry containing addr.
func (s *MapSnapshot) Find(addr uint64) (*MapEntry, bool) {
	i, found := slices.BinarySearchFunc(s.Entries, addr, func(e MapEntry, a uint64) int {
		switch {
		case e.End <= a:
			return -1
		case e.Start > a:
			return 1
		}
		return 0
	})
	if !found {
		return nil, false
	}
	return &s.Entries[i], true
}

// archiveSeparator splits the path of a library stored inside an archive,
// as in base.apk!/lib/arm64-v8a/libfoo.so.
const archiveSeparator = "!/"

// ArchiveResolver returns where the data of an archive member starts.
type ArchiveResolver interface {
	EntryOffset(archive, entry string) (uint64, error)
}

// ZipResolver locates uncompressed members of zip archives and remembers the
// results.
type ZipResolver struct {
	offsets map[string]uint64
}

// NewZipResolver returns an empty resolver.
func NewZipResolver() *ZipResolver {
	return &ZipResolver{offsets: make(map[string]uint64)}
}

// EntryOffset implements ArchiveResolver.
func (z *ZipResolver) EntryOffset(archive, entry string) (uint64, error) {
	key := archive + archiveSeparator + entry
	if off, ok := z.offsets[key]; ok {
		return off, nil
	}
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != entry {
			continue
		}
		if f.Method != zip.Store {
			return 0, fmt.Errorf("%s in %s is compressed and cannot be mapped", entry, archive)
		}
		off, err := f.DataOffset()
		if err != nil {
			return 0, err
		}
		z.offsets[key] = uint64(off)
		return uint64(off), nil
	}
	return 0, fmt.Errorf("%s not found in %s", entry, archive)
}

// buildSnapshot translates process maps into map entries. A library inside
// an archive is described by the archive itself, with the offset shifted by
// the position of the library's data in the archive.
func buildSnapshot(version uint64, maps []process.Mapping, archives ArchiveResolver) *MapSnapshot {
	snap := &MapSnapshot{
		Version: version,
		Entries: make([]MapEntry, 0, len(maps)),
	}
	for i := range maps {
		m := &maps[i]
		e := MapEntry{
			Start:      m.Vaddr,
			End:        m.End(),
			Offset:     m.FileOffset,
			Path:       m.Path,
			Executable: m.IsExecutable(),
		}
		if archive, entry, ok := strings.Cut(m.Path, archiveSeparator); ok && archives != nil {
			off, err := archives.EntryOffset(archive, entry)
			if err != nil {
				log.Debugf("Failed to locate %s: %v", m.Path, err)
			} else {
				e.Path = archive
				e.Offset += off
			}
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap
}

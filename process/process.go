// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/perf-recorder/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/libpf"
)

// ReadMappings returns this error when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// mappingParseBufferSize defines the initial buffer size used to store lines from
// /proc/PID/maps during parsing of mappings.
const mappingParseBufferSize = 256

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

var errBadMapping = errors.New("malformed mapping")

// parsePerms translates the rwxp column of a maps line.
func parsePerms(perms string) (elf.ProgFlag, bool) {
	if len(perms) < 3 {
		return 0, false
	}
	var flags elf.ProgFlag
	if perms[0] == 'r' {
		flags |= elf.PF_R
	}
	if perms[1] == 'w' {
		flags |= elf.PF_W
	}
	if perms[2] == 'x' {
		flags |= elf.PF_X
	}
	return flags, true
}

func parseHexRange(s string) (start, end uint64, err error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, errBadMapping
	}
	if start, err = strconv.ParseUint(lo, 16, 64); err != nil {
		return 0, 0, err
	}
	if end, err = strconv.ParseUint(hi, 16, 64); err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, errBadMapping
	}
	return start, end, nil
}

func parseDevice(s string) (uint64, error) {
	major, minor, ok := strings.Cut(s, ":")
	if !ok {
		return 0, errBadMapping
	}
	devMajor, err := strconv.ParseUint(major, 16, 64)
	if err != nil {
		return 0, err
	}
	devMinor, err := strconv.ParseUint(minor, 16, 64)
	if err != nil {
		return 0, err
	}
	return devMajor<<8 + devMinor, nil
}

// parseMappingLine parses one line of /proc/PID/maps. It returns false for
// mappings the unwinder has no use for.
func parseMappingLine(line string) (Mapping, bool, error) {
	// The path is the only field that may contain spaces.
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return Mapping{}, false, errBadMapping
	}
	start, end, err := parseHexRange(fields[0])
	if err != nil {
		return Mapping{}, false, err
	}
	flags, ok := parsePerms(fields[1])
	if !ok {
		return Mapping{}, false, errBadMapping
	}
	if flags&(elf.PF_R|elf.PF_X) == 0 {
		return Mapping{}, false, nil
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}
	device, err := parseDevice(fields[3])
	if err != nil {
		return Mapping{}, false, err
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Mapping{}, false, err
	}

	var path string
	if len(fields) == 6 {
		path = strings.TrimLeft(fields[5], " ")
	}
	// Pseudo-files like [stack] or [heap]
	if inode == 0 && path != "" && path != VdsoPathName {
		return Mapping{}, false, nil
	}

	return Mapping{
		Vaddr:      start,
		Length:     end - start,
		Flags:      flags,
		FileOffset: offset,
		Device:     device,
		Inode:      inode,
		Path:       trimMappingPath(path),
	}, true, nil
}

// parseMappings parses the text format of /proc/PID/maps. Lines that cannot
// be parsed are counted and skipped.
func parseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	var numParseErrors uint32
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanner.Buffer(make([]byte, mappingParseBufferSize), 8192)
	for scanner.Scan() {
		m, ok, err := parseMappingLine(scanner.Text())
		if err != nil {
			log.Debugf("Skipping mapping %q: %v", scanner.Text(), err)
			numParseErrors++
			continue
		}
		if ok {
			mappings = append(mappings, m)
		}
	}
	return mappings, numParseErrors, scanner.Err()
}

// ReadMappings reads the executable and readable mappings of pid from
// procfs.
func ReadMappings(pid libpf.PID) ([]Mapping, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if err != nil {
		return nil, err
	}
	if numParseErrors > 0 {
		log.Warnf("Failed to parse %d mappings for PID %d", numParseErrors, pid)
	}
	if len(mappings) == 0 {
		return nil, ErrNoMappings
	}
	return mappings, nil
}

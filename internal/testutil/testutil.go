// Package testutil provides shared test helpers.
package testutil

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N increases with
// every call in the process.
//
//	name := testutil.UniqueID("seg") // "seg-1", "seg-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// SegmentDir creates a private directory for segment files so tests never
// touch /dev/shm. It is removed when the test completes.
func SegmentDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "scbus-test-*")
	if err != nil {
		t.Fatalf("creating segment directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}

// OpenFDs counts the descriptors this process has open. It returns -1 where
// /proc is unavailable.
func OpenFDs() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}

// MappedRegions counts the mappings of path in this process. It returns -1
// where /proc is unavailable.
func MappedRegions(path string) int {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return -1
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, path) {
			n++
		}
	}
	return n
}

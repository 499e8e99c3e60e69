package project

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"strings"
)

// Port range the daemon binds within (spec.md §6 "Port range").
const (
	PortRangeMin = 37800
	PortRangeMax = 38799
	portRangeLen = PortRangeMax - PortRangeMin + 1
)

// DerivePort implements the priority order from spec.md §4.1 "Port
// selection": (1) a local override file, (2) a team-shared file
// committed with the project, (3) a deterministic hash of the git
// remote URL, (4) a deterministic hash of the absolute project path.
// The override-file lookups are the caller's responsibility (they know
// the paths, config package); DerivePort itself implements strategies
// (3) and (4) plus the read helper for (1)/(2), given their candidate
// file paths.
func DerivePort(worktree string, localOverrideFile, teamSharedFile string) int {
	if p, ok := readPortFile(localOverrideFile); ok {
		return p
	}
	if p, ok := readPortFile(teamSharedFile); ok {
		return p
	}
	if remote := RemoteURL(worktree); remote != "" {
		return hashToPort(remote)
	}
	return hashToPort(worktree)
}

func readPortFile(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// hashToPort maps an arbitrary string deterministically into
// [PortRangeMin, PortRangeMax] via the first 8 bytes of its sha256 sum.
func hashToPort(s string) int {
	sum := sha256.Sum256([]byte(s))
	n := binary.BigEndian.Uint64(sum[:8])
	return PortRangeMin + int(n%uint64(portRangeLen))
}

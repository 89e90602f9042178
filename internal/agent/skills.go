package agent

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/alekspetrov/swarm/internal/logging"
)

// DiscoverSkills scans the well-known skills directory (~/.claude/skills)
// and returns the installed skill names, sorted. The orchestrator only
// discovers names; skill content is the agent's business.
func DiscoverSkills() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return discoverSkillsIn(filepath.Join(home, ".claude", "skills"))
}

func discoverSkillsIn(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.WithComponent("skills").Warn("failed to scan skills directory", "dir", dir, "error", err)
		}
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Package selection holds the pluggable strategies deciding which update to
// launch, whether a freshly fetched update is worth loading, and which stored
// updates are eligible for deletion. All three share one deterministic
// ordering: newer commit time wins, equal commit times are broken by the
// lexicographically smaller UUID string being treated as older.
package selection

import (
	"strings"

	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/updraft-io/updraft/update"
)

// LauncherSelectionPolicy picks exactly one ready update to run
type LauncherSelectionPolicy interface {
	LaunchableUpdate(candidates []update.Update, filters update.ManifestFilters) *update.Update
}

// LoaderSelectionPolicy decides whether a freshly fetched manifest should be
// downloaded and persisted relative to what is currently launched
type LoaderSelectionPolicy interface {
	ShouldLoadNewUpdate(newUpdate, launchedUpdate *update.Update, filters update.ManifestFilters) bool
}

// ReaperSelectionPolicy computes the set of stored updates eligible for deletion
type ReaperSelectionPolicy interface {
	UpdatesToDelete(launchedUpdate *update.Update, allUpdates []update.Update, filters update.ManifestFilters) []uuid.UUID
}

// Policy bundles the three strategies a deployment runs with
type Policy struct {
	Launcher LauncherSelectionPolicy
	Loader   LoaderSelectionPolicy
	Reaper   ReaperSelectionPolicy
}

// NewDefaultPolicy returns the default strategies: newest compatible update
// wins, redundant loads are skipped, and keepGenerations prior ready updates
// are retained as a rollback buffer besides the launched one.
func NewDefaultPolicy(runtimeVersion string, keepGenerations int) Policy {
	return Policy{
		Launcher: &DefaultLauncherPolicy{RuntimeVersion: runtimeVersion},
		Loader:   &DefaultLoaderPolicy{},
		Reaper:   &DefaultReaperPolicy{KeepGenerations: keepGenerations},
	}
}

// DefaultLauncherPolicy filters candidates by manifest-filter and runtime
// compatibility and picks the most recent one
type DefaultLauncherPolicy struct {
	// RuntimeVersion is the native binary version candidates must declare compatibility with
	RuntimeVersion string
}

func (p *DefaultLauncherPolicy) LaunchableUpdate(candidates []update.Update, filters update.ManifestFilters) *update.Update {
	var newest *update.Update
	for i := range candidates {
		candidate := &candidates[i]
		if !filters.Matches(candidate.Metadata) {
			continue
		}
		if !RuntimeCompatible(candidate.BinaryVersions, p.RuntimeVersion) {
			continue
		}
		if newest == nil || update.Older(newest, candidate) {
			newest = candidate
		}
	}
	return newest
}

// DefaultLoaderPolicy loads a new update only when nothing is launched yet or
// the new update is strictly newer than the launched one, preventing redundant
// re-downloads of an update already active
type DefaultLoaderPolicy struct{}

func (p *DefaultLoaderPolicy) ShouldLoadNewUpdate(newUpdate, launchedUpdate *update.Update, filters update.ManifestFilters) bool {
	if newUpdate == nil {
		return false
	}
	if !filters.Matches(newUpdate.Metadata) {
		return false
	}
	if launchedUpdate == nil {
		return true
	}
	return update.Older(launchedUpdate, newUpdate)
}

// DefaultReaperPolicy retains the launched update plus the KeepGenerations
// most recent other ready updates and marks everything else for deletion.
// Pending updates are never marked: an in-flight load owns them.
type DefaultReaperPolicy struct {
	KeepGenerations int
}

func (p *DefaultReaperPolicy) UpdatesToDelete(launchedUpdate *update.Update, allUpdates []update.Update, filters update.ManifestFilters) []uuid.UUID {
	retained := map[uuid.UUID]bool{}
	if launchedUpdate != nil {
		retained[launchedUpdate.ID] = true
	}

	// rollback buffer: the most recent ready updates besides the launched one
	var buffer []*update.Update
	for i := range allUpdates {
		candidate := &allUpdates[i]
		if retained[candidate.ID] || candidate.Status != update.StatusReady {
			continue
		}
		buffer = insertNewestFirst(buffer, candidate, p.KeepGenerations)
	}
	for _, u := range buffer {
		retained[u.ID] = true
	}

	var toDelete []uuid.UUID
	for i := range allUpdates {
		candidate := &allUpdates[i]
		if retained[candidate.ID] || candidate.Status == update.StatusPending {
			continue
		}
		toDelete = append(toDelete, candidate.ID)
	}
	return toDelete
}

// insertNewestFirst keeps buffer sorted newest first, bounded to limit entries
func insertNewestFirst(buffer []*update.Update, candidate *update.Update, limit int) []*update.Update {
	if limit == 0 {
		return buffer
	}
	pos := len(buffer)
	for i, u := range buffer {
		if update.Older(u, candidate) {
			pos = i
			break
		}
	}
	buffer = append(buffer, nil)
	copy(buffer[pos+1:], buffer[pos:])
	buffer[pos] = candidate
	if len(buffer) > limit {
		buffer = buffer[:limit]
	}
	return buffer
}

// RuntimeCompatible reports whether an update's declared binary versions cover
// the given runtime version. The declaration is a comma-separated list whose
// entries are either exact versions or go-version constraint expressions.
func RuntimeCompatible(binaryVersions, runtimeVersion string) bool {
	if binaryVersions == "" {
		return true
	}

	runtime, err := goversion.NewVersion(runtimeVersion)
	if err != nil {
		// not a semantic version, fall back to exact string match
		for _, entry := range strings.Split(binaryVersions, ",") {
			if strings.TrimSpace(entry) == runtimeVersion {
				return true
			}
		}
		return false
	}

	for _, entry := range strings.Split(binaryVersions, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if declared, err := goversion.NewVersion(entry); err == nil {
			if declared.Equal(runtime) {
				return true
			}
			continue
		}
		constraint, err := goversion.NewConstraint(entry)
		if err != nil {
			log.Debugf("ignoring unparsable binary version entry %q: %v", entry, err)
			continue
		}
		if constraint.Check(runtime) {
			return true
		}
	}
	return false
}

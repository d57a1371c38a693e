package update

import (
	"time"

	"github.com/google/uuid"
)

// UpdateStatus is the lifecycle state of an update stored on disk
type UpdateStatus int

const (
	// StatusPending means the manifest is stored but not all assets are verified on disk yet
	StatusPending UpdateStatus = iota
	// StatusReady means every asset of the update is present on disk with a verified hash
	StatusReady
	// StatusFailed means at least one asset failed validation after exhausting retries
	StatusFailed
	// StatusUnused means the update was marked for deletion and awaits the reaper
	StatusUnused
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusUnused:
		return "unused"
	default:
		return "unknown"
	}
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
// Ready and Failed updates may still be marked Unused, Unused is terminal.
func (s UpdateStatus) CanTransitionTo(next UpdateStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusReady || next == StatusFailed || next == StatusUnused
	case StatusReady:
		return next == StatusFailed || next == StatusUnused
	case StatusFailed:
		return next == StatusUnused
	default:
		return false
	}
}

// Update represents one immutable, versioned application bundle.
// Identity and metadata never change once persisted, only Status moves.
type Update struct {
	ID              uuid.UUID       `gorm:"primaryKey"`
	CommitTime      time.Time       `gorm:"index"`
	BinaryVersions  string
	ScopeKey        string          `gorm:"index"`
	Metadata        Metadata        `gorm:"serializer:json"`
	ManifestFilters ManifestFilters `gorm:"serializer:json"`
	Status          UpdateStatus    `gorm:"index"`

	LastAccessed          time.Time
	SuccessfulLaunchCount int
	FailedLaunchCount     int

	Assets []Asset `gorm:"many2many:updates_assets;"`
}

// HashType identifies the digest algorithm of an asset's content hash
type HashType int

const (
	// HashSHA256 is the only algorithm produced by this agent
	HashSHA256 HashType = iota
)

// Asset represents one content-addressed file referenced by one or more updates.
// HashContent is the deduplication key: rows with equal content hash share one on-disk file.
type Asset struct {
	ID uint `gorm:"primaryKey"`

	Key     string
	URL     string
	Headers map[string]string `gorm:"serializer:json"`
	Type    string

	HashAtomic  string
	HashContent string `gorm:"uniqueIndex"`
	HashType    HashType

	RelativePath  string
	DownloadTime  time.Time
	IsLaunchAsset bool

	MarkedForDeletion bool `gorm:"index"`
}

// Older reports whether a should be treated as older than b.
// Equal commit times are broken by the lexicographically smaller UUID string being older,
// which keeps every selection policy deterministic.
func Older(a, b *Update) bool {
	if !a.CommitTime.Equal(b.CommitTime) {
		return a.CommitTime.Before(b.CommitTime)
	}
	return a.ID.String() < b.ID.String()
}

// Package manifest parses the update manifest wire format: a JSON document
// describing one update and the content-addressed assets that comprise it.
// Unknown top-level fields are preserved verbatim as opaque metadata.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/updraft-io/updraft/update"
)

// Asset is one asset declaration inside a manifest
type Asset struct {
	URL         string `json:"url"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Hash        string `json:"hash"`
}

// Manifest is the parsed update manifest
type Manifest struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	RuntimeVersion string
	Assets         []Asset
	LaunchAsset    Asset
	Metadata       update.Metadata
}

var knownFields = map[string]struct{}{
	"id":             {},
	"createdAt":      {},
	"runtimeVersion": {},
	"binaryVersions": {},
	"assets":         {},
	"launchAsset":    {},
}

// Parse validates and decodes a manifest document
func Parse(data []byte) (*Manifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("manifest is not a JSON object: %w", err)
	}

	m := &Manifest{Metadata: update.Metadata{}}

	rawID, ok := fields["id"]
	if !ok {
		return nil, fmt.Errorf("manifest is missing required field \"id\"")
	}
	var idStr string
	if err := json.Unmarshal(rawID, &idStr); err != nil {
		return nil, fmt.Errorf("manifest field \"id\": %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("manifest field \"id\" is not a UUID: %w", err)
	}
	m.ID = id

	rawCreatedAt, ok := fields["createdAt"]
	if !ok {
		return nil, fmt.Errorf("manifest is missing required field \"createdAt\"")
	}
	var createdAtStr string
	if err := json.Unmarshal(rawCreatedAt, &createdAtStr); err != nil {
		return nil, fmt.Errorf("manifest field \"createdAt\": %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("manifest field \"createdAt\" is not an ISO-8601 timestamp: %w", err)
	}
	m.CreatedAt = createdAt

	// newer servers send runtimeVersion, older ones binaryVersions
	if raw, ok := fields["runtimeVersion"]; ok {
		if err := json.Unmarshal(raw, &m.RuntimeVersion); err != nil {
			return nil, fmt.Errorf("manifest field \"runtimeVersion\": %w", err)
		}
	} else if raw, ok := fields["binaryVersions"]; ok {
		if err := json.Unmarshal(raw, &m.RuntimeVersion); err != nil {
			return nil, fmt.Errorf("manifest field \"binaryVersions\": %w", err)
		}
	}
	if m.RuntimeVersion == "" {
		return nil, fmt.Errorf("manifest declares no runtime version")
	}

	if raw, ok := fields["assets"]; ok {
		if err := json.Unmarshal(raw, &m.Assets); err != nil {
			return nil, fmt.Errorf("manifest field \"assets\": %w", err)
		}
	}

	rawLaunch, ok := fields["launchAsset"]
	if !ok {
		return nil, fmt.Errorf("manifest is missing required field \"launchAsset\"")
	}
	launchAsset, err := parseLaunchAsset(rawLaunch, m.Assets)
	if err != nil {
		return nil, err
	}
	m.LaunchAsset = launchAsset

	for _, a := range append(m.Assets, m.LaunchAsset) {
		if a.URL == "" || a.Key == "" || a.Hash == "" {
			return nil, fmt.Errorf("manifest asset %q is missing url, key or hash", a.Key)
		}
	}

	for key, raw := range fields {
		if _, known := knownFields[key]; known {
			continue
		}
		var value update.MetadataValue
		if err := value.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("manifest metadata field %q: %w", key, err)
		}
		m.Metadata[key] = value
	}

	return m, nil
}

// parseLaunchAsset accepts either an inline asset object or a string key
// referencing an entry of the assets array
func parseLaunchAsset(raw json.RawMessage, assets []Asset) (Asset, error) {
	var key string
	if err := json.Unmarshal(raw, &key); err == nil {
		for _, a := range assets {
			if a.Key == key {
				return a, nil
			}
		}
		return Asset{}, fmt.Errorf("manifest launchAsset references unknown asset key %q", key)
	}

	var inline Asset
	if err := json.Unmarshal(raw, &inline); err != nil {
		return Asset{}, fmt.Errorf("manifest field \"launchAsset\": %w", err)
	}
	return inline, nil
}

// ToUpdate converts the manifest into the persistent data model. The returned
// assets carry the manifest hash as the expected atomic hash; the loader fills
// in the verified content hash and on-disk path after download.
func (m *Manifest) ToUpdate(scopeKey string, filters update.ManifestFilters) (*update.Update, []update.Asset) {
	upd := &update.Update{
		ID:              m.ID,
		CommitTime:      m.CreatedAt,
		BinaryVersions:  m.RuntimeVersion,
		ScopeKey:        scopeKey,
		Metadata:        m.Metadata,
		ManifestFilters: filters,
		Status:          update.StatusPending,
	}

	assets := make([]update.Asset, 0, len(m.Assets)+1)
	launchIncluded := false
	for _, a := range m.Assets {
		isLaunch := a.Key == m.LaunchAsset.Key
		launchIncluded = launchIncluded || isLaunch
		assets = append(assets, toModelAsset(a, isLaunch))
	}
	if !launchIncluded {
		assets = append(assets, toModelAsset(m.LaunchAsset, true))
	}

	return upd, assets
}

func toModelAsset(a Asset, isLaunch bool) update.Asset {
	return update.Asset{
		Key:           a.Key,
		URL:           a.URL,
		Type:          a.ContentType,
		HashAtomic:    a.Hash,
		HashType:      update.HashSHA256,
		IsLaunchAsset: isLaunch,
	}
}

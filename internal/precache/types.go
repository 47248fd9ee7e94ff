package precache

import (
	"time"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

// Mode selects the admission behaviour of Open (spec section 4.4).
type Mode int

const (
	// ModeExisting looks up or admits an entity for full data+metadata
	// access, never forcing a refetch of a known entity.
	ModeExisting Mode = iota
	// ModeForceRefetch re-fetches metadata and, if it differs, resets
	// and re-admits the entity.
	ModeForceRefetch
	// ModeMetadataOnly admits (or looks up) an entity without
	// submitting a data-fetch job.
	ModeMetadataOnly
)

// Handle is the entity handle returned by Open (spec section 4.4).
type Handle struct {
	ID           string
	UpstreamPath string
	Dir          string
	Status       map[trackingindex.Datatype]trackingindex.StatusRow
	Sizes        map[trackingindex.Datatype]int64
	Checksum     string
}

// ManifestEntry is one row of Manager.Manifest (spec section 4.4).
type ManifestEntry struct {
	UpstreamPath string
	Availability map[trackingindex.Datatype]trackingindex.Status
	LastAccessed time.Time
	Contention   int
}

// GlobalStatus is the Manager.Status snapshot (spec section 4.4).
type GlobalStatus struct {
	Commitment        int64
	Rates             map[trackingindex.Channel]trackingindex.RateStat
	ActiveDownloads   int
	ActiveConnections int
	TotalRequests     int64
	StartTime         time.Time
}

// metadataDoc is the on-disk JSON shape of an entity's "metadata" file
// (spec section 6, on-disk layout).
type metadataDoc struct {
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	AVUs     []avuDoc  `json:"avus"`
}

type avuDoc struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
	Unit      string `json:"unit"`
}

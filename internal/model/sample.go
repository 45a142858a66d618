// Package model defines shared types used across the sync engine and adapters.
package model

import "time"

// TypeBloodGlucose is the sample type tracked by the sync engine. Both the
// local store and the queue are filtered to this type.
const TypeBloodGlucose = "bloodGlucose"

// MetadataExternalIDKey is the metadata key under which a remotely originated
// sample carries its origin-record identifier. Kept alongside the typed
// ExternalID field for round-tripping through stores that only persist the
// metadata map.
const MetadataExternalIDKey = "externalId"

// mgdlPerMmoll converts mmol/L glucose concentrations to mg/dL.
const mgdlPerMmoll = 18.01559

// Sample is the normalised representation of a single blood-glucose reading
// shared between the Tidepool adapter, the local health store, and the sync
// engine. Values are always in mg/dL.
type Sample struct {
	// ExternalID is the stable, globally unique identifier of the origin
	// record. It is the sole reliable dedup key: two samples are the same
	// record iff their ExternalIDs match. Empty for locally created samples
	// that have never been uploaded.
	ExternalID string

	// Type is the sample type, normally [TypeBloodGlucose].
	Type string

	// Value is the glucose concentration in mg/dL.
	Value float64

	// Time is the instant the reading was taken. Readings are instants, not
	// ranges.
	Time time.Time

	// SourceName, SourceBundleID and SourceVersion record the provenance of
	// the reading (the app or device that produced it).
	SourceName     string
	SourceBundleID string
	SourceVersion  string

	// Metadata is a free-form string map. Remotely originated samples carry
	// their ExternalID under [MetadataExternalIDKey] so that stores which
	// only persist metadata still round-trip the dedup key.
	Metadata map[string]string

	// ManuallyEntered is true for fingerstick readings typed in by the user,
	// as opposed to readings delivered by a meter or CGM.
	ManuallyEntered bool
}

// Same reports whether s and other represent the same record. Identity is
// decided solely by ExternalID; samples without one are never the same record.
func (s *Sample) Same(other *Sample) bool {
	return s.ExternalID != "" && s.ExternalID == other.ExternalID
}

// TagMetadata returns the sample's metadata map with the external identifier
// entry filled in. The map is created if needed.
func (s *Sample) TagMetadata() map[string]string {
	if s.ExternalID == "" {
		return s.Metadata
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, 1)
	}
	s.Metadata[MetadataExternalIDKey] = s.ExternalID
	return s.Metadata
}

// MmollToMgdl converts a glucose concentration from mmol/L (Tidepool's wire
// unit) to mg/dL (the canonical unit used throughout this program).
func MmollToMgdl(v float64) float64 {
	return v * mgdlPerMmoll
}

// MgdlToMmoll converts a glucose concentration from mg/dL back to mmol/L for
// upload payloads.
func MgdlToMmoll(v float64) float64 {
	return v / mgdlPerMmoll
}

package tidepool

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tiderelay/tiderelay/internal/model"
	"github.com/tiderelay/tiderelay/internal/state"
)

// Tidepool record type constants.
const (
	typeCBG    = "cbg"    // continuous glucose monitor reading
	typeSMBG   = "smbg"   // self-monitored (fingerstick) reading
	typeUpload = "upload" // batch manifest record
	typeDelete = "deleteEntry"

	unitsMmolL = "mmol/L"
	unitsMgdL  = "mg/dL"

	clientName = "org.tiderelay.tiderelay"
)

// rawRecord is the JSON structure of a single record returned by the Tidepool
// data query API. Pointer fields distinguish absent values from zero values.
type rawRecord struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Value    *float64          `json:"value"`
	Units    string            `json:"units"`
	Time     string            `json:"time"`
	DeviceID string            `json:"deviceId"`
	Payload  map[string]string `json:"payload,omitempty"`
	Origin   *recordOrigin     `json:"origin,omitempty"`
}

type recordOrigin struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// dataSet is the JSON structure of a Tidepool upload data set.
type dataSet struct {
	UploadID string `json:"uploadId"`
	ClientN  string `json:"client.name,omitempty"`
}

// uploadRecord is the JSON structure posted for one queued sample.
type uploadRecord struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Time     string            `json:"time,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Units    string            `json:"units,omitempty"`
	UploadID string            `json:"uploadId,omitempty"`
	DeviceID string            `json:"deviceId,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// uploadManifest is the header record describing the device and source of a
// drain session. It is sent once, at the start of the session's first batch.
type uploadManifest struct {
	Type                string   `json:"type"`
	UploadID            string   `json:"uploadId"`
	Time                string   `json:"time"`
	DeviceID            string   `json:"deviceId,omitempty"`
	DeviceManufacturers []string `json:"deviceManufacturers,omitempty"`
	DeviceModel         string   `json:"deviceModel,omitempty"`
	Version             string   `json:"version,omitempty"`
	TimeProcessing      string   `json:"timeProcessing"`
}

// rawToSample converts one Tidepool record to a [model.Sample]. Records
// missing a required field (id, type, value, or time) are skipped and logged
// as data errors. Values reported in mmol/L are converted to mg/dL.
func rawToSample(r *rawRecord, log *slog.Logger) (model.Sample, bool) {
	switch {
	case r.ID == "":
		log.Warn("skipping tidepool record without id", "type", r.Type, "time", r.Time)
		return model.Sample{}, false
	case r.Type != typeCBG && r.Type != typeSMBG:
		log.Warn("skipping tidepool record of untracked type", "id", r.ID, "type", r.Type)
		return model.Sample{}, false
	case r.Value == nil:
		log.Warn("skipping tidepool record without value", "id", r.ID)
		return model.Sample{}, false
	case r.Time == "":
		log.Warn("skipping tidepool record without time", "id", r.ID)
		return model.Sample{}, false
	}

	t, err := time.Parse(time.RFC3339, r.Time)
	if err != nil {
		log.Warn("skipping tidepool record with unparsable time", "id", r.ID, "time", r.Time)
		return model.Sample{}, false
	}

	value := *r.Value
	if r.Units == "" || r.Units == unitsMmolL {
		value = model.MmollToMgdl(value)
	}

	sourceName := "Tidepool"
	sourceVersion := ""
	if r.Origin != nil {
		if r.Origin.Name != "" {
			sourceName = r.Origin.Name
		}
		sourceVersion = r.Origin.Version
	}

	sample := model.Sample{
		ExternalID:      r.ID,
		Type:            model.TypeBloodGlucose,
		Value:           value,
		Time:            t.UTC(),
		SourceName:      sourceName,
		SourceBundleID:  clientName,
		SourceVersion:   sourceVersion,
		ManuallyEntered: r.Type == typeSMBG,
	}
	sample.TagMetadata()
	return sample, true
}

// entryToRecord converts one queue entry to its upload representation.
// Added samples become cbg/smbg records (values converted back to Tidepool's
// mmol/L); deletions become deleteEntry records naming the origin id.
func entryToRecord(e *state.PendingEntry, sessionID string) uploadRecord {
	if e.Action == state.ActionDeleted {
		return uploadRecord{
			Type:     typeDelete,
			ID:       e.ExternalID,
			UploadID: sessionID,
		}
	}

	typ := typeCBG
	if e.ManuallyEntered {
		typ = typeSMBG
	}
	return uploadRecord{
		Type:     typ,
		Time:     e.Time.UTC().Format(time.RFC3339),
		Value:    model.MgdlToMmoll(e.Value),
		Units:    unitsMmolL,
		UploadID: sessionID,
		DeviceID: e.SourceBundleID,
		Payload:  map[string]string{model.MetadataExternalIDKey: e.ExternalID},
	}
}

// buildManifest builds the session manifest from the first entry that carries
// device metadata.
func buildManifest(sessionID string, entries []state.PendingEntry) uploadManifest {
	m := uploadManifest{
		Type:           typeUpload,
		UploadID:       sessionID,
		Time:           time.Now().UTC().Format(time.RFC3339),
		TimeProcessing: "none",
	}
	for i := range entries {
		if entries[i].SourceBundleID == "" {
			continue
		}
		m.DeviceID = entries[i].SourceBundleID
		m.DeviceModel = entries[i].SourceName
		m.Version = entries[i].SourceVersion
		break
	}
	if m.DeviceID == "" {
		m.DeviceID = clientName
	}
	m.DeviceManufacturers = []string{"tiderelay"}
	return m
}

// newDataSetRequest builds the body for creating a continuous upload data set.
func newDataSetRequest() map[string]any {
	return map[string]any{
		"client": map[string]any{
			"name":    clientName,
			"version": "1.0.0",
		},
		"dataSetType": "continuous",
		"deviceId":    clientName,
		"deduplicator": map[string]any{
			"name": "org.tidepool.deduplicator.dataset.delete.origin",
		},
		"time": time.Now().UTC().Format(time.RFC3339),
		"id":   uuid.NewString(),
	}
}

package types

import (
	"bytes"
	"encoding/json"
	"strings"
)

// State is the lifecycle state of one conversation's dataset.
type State string

const (
	StateNoDataset          State = "NO_DATASET"
	StateLoading            State = "LOADING"
	StateReadyForInspection State = "READY_FOR_INSPECTION"
	StateLockedForQuery     State = "LOCKED_FOR_QUERY"
	StateError              State = "ERROR"
)

// Stage is an ingestion stage reported by the data service. The zero value means no stage.
type Stage string

const (
	StageNone            Stage = ""
	StageValidatingURL   Stage = "VALIDATING_URL"
	StageFetchingSource  Stage = "FETCHING_SOURCE"
	StageDetectingTables Stage = "DETECTING_TABLES"
	StageNormalizingData Stage = "NORMALIZING_DATA"
	StageLoadingStore    Stage = "LOADING_STORE"
	StageBuildingSchema  Stage = "BUILDING_SCHEMA"
	StageBuildingIndex   Stage = "BUILDING_INDEX"
	StageFinalizing      Stage = "FINALIZING"
	StageReady           Stage = "READY"
	StageError           Stage = "ERROR"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageValidatingURL, StageFetchingSource, StageDetectingTables, StageNormalizingData,
		StageLoadingStore, StageBuildingSchema, StageBuildingIndex, StageFinalizing,
		StageReady, StageError:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends a stage stream.
func (s Stage) Terminal() bool {
	return s == StageReady || s == StageError
}

// StageRecord is one ordered progress update emitted during dataset ingestion.
type StageRecord struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// UnmarshalJSON accepts "error" either as a string or as {"message","code"}.
// Any other error payload is ignored so the stage itself is never lost;
// ErrorMessage then falls back to the record's message.
func (r *StageRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Stage   string          `json:"stage"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec := StageRecord{
		Stage:   Stage(strings.ToUpper(strings.TrimSpace(raw.Stage))),
		Message: raw.Message,
	}

	errRaw := bytes.TrimSpace(raw.Error)
	switch {
	case len(errRaw) == 0 || bytes.Equal(errRaw, []byte("null")):
	case errRaw[0] == '"':
		_ = json.Unmarshal(errRaw, &rec.Error)
	case errRaw[0] == '{':
		var obj struct {
			Message json.RawMessage `json:"message"`
			Code    json.RawMessage `json:"code"`
		}
		if json.Unmarshal(errRaw, &obj) == nil {
			_ = json.Unmarshal(obj.Message, &rec.Error)
			_ = json.Unmarshal(obj.Code, &rec.Code)
		}
	}

	*r = rec
	return nil
}

// ErrorMessage returns the text that should be surfaced for an ERROR record.
func (r StageRecord) ErrorMessage() string {
	if msg := strings.TrimSpace(r.Error); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(r.Message); msg != "" {
		return msg
	}
	return "dataset ingestion failed"
}

// BackendStatus is the point-in-time status snapshot returned by GET /v1/status.
type BackendStatus struct {
	State        State  `json:"state"`
	CurrentStage Stage  `json:"currentStage,omitempty"`
	Error        string `json:"error,omitempty"`
}

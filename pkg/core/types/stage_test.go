package types

import (
	"encoding/json"
	"testing"
)

func TestStageRecord_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want StageRecord
	}{
		{
			name: "progress",
			in:   `{"stage":"FETCHING_SOURCE","message":"Downloading sheet"}`,
			want: StageRecord{Stage: StageFetchingSource, Message: "Downloading sheet"},
		},
		{
			name: "lowercase stage is normalized",
			in:   `{"stage":"ready"}`,
			want: StageRecord{Stage: StageReady},
		},
		{
			name: "string error",
			in:   `{"stage":"ERROR","error":"sheet is private"}`,
			want: StageRecord{Stage: StageError, Error: "sheet is private"},
		},
		{
			name: "object error",
			in:   `{"stage":"ERROR","error":{"message":"too many rows","code":"limit"}}`,
			want: StageRecord{Stage: StageError, Error: "too many rows", Code: "limit"},
		},
		{
			name: "null error",
			in:   `{"stage":"FINALIZING","error":null}`,
			want: StageRecord{Stage: StageFinalizing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StageRecord
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStageRecord_UnmarshalJSON_KeepsStageWithOddErrorPayload(t *testing.T) {
	cases := []string{
		`{"stage":"ERROR","message":"ingest failed","error":500}`,
		`{"stage":"ERROR","message":"ingest failed","error":["a"]}`,
		`{"stage":"ERROR","message":"ingest failed","error":{"message":7,"code":true}}`,
	}
	for _, in := range cases {
		var got StageRecord
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", in, err)
		}
		if got.Stage != StageError || got.Error != "" || got.Code != "" {
			t.Fatalf("Unmarshal(%s)=%+v", in, got)
		}
		if got.ErrorMessage() != "ingest failed" {
			t.Fatalf("ErrorMessage()=%q, want the record message", got.ErrorMessage())
		}
	}
}

func TestStage_ValidAndTerminal(t *testing.T) {
	if !StageBuildingIndex.Valid() || StageBuildingIndex.Terminal() {
		t.Fatalf("BUILDING_INDEX should be valid and non-terminal")
	}
	if !StageReady.Terminal() || !StageError.Terminal() {
		t.Fatalf("READY and ERROR must be terminal")
	}
	if Stage("UPLOADING").Valid() || StageNone.Valid() {
		t.Fatalf("unknown and empty stages must be invalid")
	}
}

func TestStageRecord_ErrorMessageFallbacks(t *testing.T) {
	if got := (StageRecord{Error: "boom", Message: "ignored"}).ErrorMessage(); got != "boom" {
		t.Fatalf("ErrorMessage() = %q", got)
	}
	if got := (StageRecord{Message: "Could not read sheet"}).ErrorMessage(); got != "Could not read sheet" {
		t.Fatalf("ErrorMessage() = %q", got)
	}
	if got := (StageRecord{}).ErrorMessage(); got == "" {
		t.Fatalf("expected a default message")
	}
}

func TestDatasetMetadata_CountsAndClone(t *testing.T) {
	meta := &DatasetMetadata{
		Name: "Sales",
		Sheets: []SheetMetadata{
			{Name: "Q1", Tables: []TableMetadata{{Name: "orders", RowCount: 10, Columns: []string{"id"}}}},
			{Name: "Q2", Tables: []TableMetadata{{Name: "orders", RowCount: 5}, {Name: "returns", RowCount: 2}}},
		},
	}
	if meta.TableCount() != 3 {
		t.Fatalf("TableCount() = %d, want 3", meta.TableCount())
	}
	if meta.TotalRows() != 17 {
		t.Fatalf("TotalRows() = %d, want 17", meta.TotalRows())
	}

	clone := meta.Clone()
	clone.Sheets[0].Tables[0].Columns[0] = "changed"
	if meta.Sheets[0].Tables[0].Columns[0] != "id" {
		t.Fatalf("Clone shares column slices with the original")
	}

	var nilMeta *DatasetMetadata
	if nilMeta.TableCount() != 0 || nilMeta.Clone() != nil {
		t.Fatalf("nil metadata helpers must be safe")
	}
}

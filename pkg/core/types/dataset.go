package types

import (
	"encoding/json"
	"time"
)

// DatasetMetadata is the structural snapshot of an ingested dataset.
// It holds names and counts only; there is deliberately no field for row values.
type DatasetMetadata struct {
	Name         string          `json:"name"`
	LastSyncTime time.Time       `json:"lastSyncTime"`
	Sheets       []SheetMetadata `json:"sheets"`
}

// SheetMetadata lists the tables detected in one sheet.
type SheetMetadata struct {
	Name   string          `json:"name"`
	Tables []TableMetadata `json:"tables"`
}

// TableMetadata describes one detected table.
type TableMetadata struct {
	Name        string   `json:"name"`
	RowCount    int      `json:"rowCount"`
	ColumnCount int      `json:"columnCount"`
	Columns     []string `json:"columns"`
	SourceID    string   `json:"sourceId"`
}

// TableCount returns the number of tables across all sheets.
func (m *DatasetMetadata) TableCount() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, sheet := range m.Sheets {
		n += len(sheet.Tables)
	}
	return n
}

// TotalRows returns the sum of row counts across all tables.
func (m *DatasetMetadata) TotalRows() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, sheet := range m.Sheets {
		for _, table := range sheet.Tables {
			n += table.RowCount
		}
	}
	return n
}

// Clone returns a deep copy so snapshots never share slices with the lifecycle.
func (m *DatasetMetadata) Clone() *DatasetMetadata {
	if m == nil {
		return nil
	}
	out := &DatasetMetadata{
		Name:         m.Name,
		LastSyncTime: m.LastSyncTime,
		Sheets:       make([]SheetMetadata, len(m.Sheets)),
	}
	for i, sheet := range m.Sheets {
		tables := make([]TableMetadata, len(sheet.Tables))
		for j, table := range sheet.Tables {
			table.Columns = append([]string(nil), table.Columns...)
			tables[j] = table
		}
		out.Sheets[i] = SheetMetadata{Name: sheet.Name, Tables: tables}
	}
	return out
}

// QueryResult is the response of POST /v1/query.
type QueryResult struct {
	Answer         string           `json:"answer"`
	StructuredPlan json.RawMessage  `json:"structuredPlan,omitempty"`
	Rows           []map[string]any `json:"rows,omitempty"`
	SchemaContext  json.RawMessage  `json:"schemaContext,omitempty"`
}

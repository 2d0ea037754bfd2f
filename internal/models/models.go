package models

import "time"

// WorkItem represents a frame file to be loaded or summarised
type WorkItem struct {
	FramePath string
	FrameNum  int
	Index     int
	Total     int
}

// ColumnSummary holds the finite-value statistics of one table column
type ColumnSummary struct {
	Column string  `json:"column"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// FrameSummary represents the result of summarising a frame table
type FrameSummary struct {
	Dir     string          `json:"dir"`
	Index   int             `json:"index"`
	Rows    int             `json:"rows"`
	Columns []ColumnSummary `json:"columns"`
}

// Mean returns the mean of the named column and whether it was summarised.
func (s FrameSummary) Mean(column string) (float64, bool) {
	for _, c := range s.Columns {
		if c.Column == column {
			return c.Mean, c.Count > 0
		}
	}
	return 0, false
}

// FrameSearchResult is a frame ranked by feature-vector distance
type FrameSearchResult struct {
	Index    int     `json:"index"`
	Distance float64 `json:"distance"`
}

// ViewState is the dashboard model persisted between requests and restarts
type ViewState struct {
	SessionID string    `json:"session_id"`
	DataDir   string    `json:"data_dir"`
	Frame     int       `json:"frame"`
	X         string    `json:"x"`
	Y         string    `json:"y"`
	Color     string    `json:"color,omitempty"`
	Size      string    `json:"size,omitempty"`
	Palette   string    `json:"palette,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

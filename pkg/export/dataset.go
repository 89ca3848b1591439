package export

import "time"

// Column describes one exported field. Width is a relative PDF column weight; zero means 1.
type Column struct {
	Key    string
	Header string
	Width  float64
}

// Dataset is tabular export content. Rows are keyed by Column.Key.
type Dataset struct {
	Title       string
	Columns     []Column
	Rows        []map[string]string
	GeneratedAt time.Time
}

// Headers returns the column headers in order.
func (d Dataset) Headers() []string {
	headers := make([]string, len(d.Columns))
	for i, col := range d.Columns {
		headers[i] = col.Header
	}
	return headers
}

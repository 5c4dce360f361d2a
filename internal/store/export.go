package store

import (
	"encoding/json"
	"io"
	"os"

	"github.com/san-kum/jetpool/internal/metrics"
	"gonum.org/v1/gonum/floats"
)

type Summary struct {
	Steps     int     `json:"steps"`
	FinalTime float64 `json:"final_time"`
	FinalKE   float64 `json:"final_ke"`
	MinKE     float64 `json:"min_ke"`
	MaxKE     float64 `json:"max_ke"`
}

type ExportData struct {
	Header  string           `json:"header"`
	Summary Summary          `json:"summary"`
	Records []metrics.Record `json:"records"`
	Notes   []string         `json:"notes,omitempty"`
}

func NewExportData(log metrics.Log) ExportData {
	data := ExportData{
		Header:  log.Header,
		Records: log.Records,
		Notes:   log.Notes,
	}
	if data.Records == nil {
		data.Records = []metrics.Record{}
	}
	if last, ok := log.Last(); ok {
		ke := log.Energies()
		data.Summary = Summary{
			Steps:     len(log.Records),
			FinalTime: last.Time,
			FinalKE:   last.KE,
			MinKE:     floats.Min(ke),
			MaxKE:     floats.Max(ke),
		}
	}
	return data
}

func encode(w io.Writer, log metrics.Log) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(NewExportData(log))
}

func ExportJSON(path string, log metrics.Log) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(file, log); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ExportJSONStdout(log metrics.Log) error {
	return encode(os.Stdout, log)
}

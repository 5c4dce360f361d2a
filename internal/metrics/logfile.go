package metrics

import (
	"fmt"
	"io"
	"os"
)

// Columns is the column line that follows the header in a fresh log.
const Columns = "i dt t ke"

// Record is one row of the energy log.
type Record struct {
	Step int     `json:"i"`
	Dt   float64 `json:"dt"`
	Time float64 `json:"t"`
	KE   float64 `json:"ke"`
}

// Line renders r the way it appears in the log file.
func (r Record) Line() string {
	return fmt.Sprintf("%d %.6g %.6g %.6g", r.Step, r.Dt, r.Time, r.KE)
}

type logState uint8

const (
	logNotStarted logState = iota
	logRunning
)

// LogWriter appends records to the energy log and mirrors them to the status
// stream. The first successful append truncates the file and writes the
// header; a writer for a resumed run starts in append mode.
type LogWriter struct {
	path   string
	header string
	status io.Writer
	state  logState
}

func NewLogWriter(path, header string, status io.Writer, resumed bool) *LogWriter {
	if status == nil {
		status = io.Discard
	}
	w := &LogWriter{path: path, header: header, status: status}
	if resumed {
		w.state = logRunning
	}
	return w
}

func (w *LogWriter) Path() string { return w.path }

func (w *LogWriter) Started() bool { return w.state == logRunning }

func (w *LogWriter) open() (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if w.state == logNotStarted {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	return os.OpenFile(w.path, flags, 0644)
}

// Append writes r. The file is opened and closed on every call so the log
// stays readable by tailing tools while the run is live.
func (w *LogWriter) Append(r Record) error {
	f, err := w.open()
	if err != nil {
		return fmt.Errorf("metrics: open log: %w", err)
	}

	var lines []string
	if w.state == logNotStarted {
		lines = append(lines, w.header, Columns)
	}
	lines = append(lines, r.Line())

	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			f.Close()
			return fmt.Errorf("metrics: write log: %w", err)
		}
		fmt.Fprintln(w.status, l)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("metrics: close log: %w", err)
	}
	w.state = logRunning
	return nil
}

// Note appends a free-form message to the log and the status stream.
func (w *LogWriter) Note(msg string) error {
	fmt.Fprintln(w.status, msg)

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("metrics: open log: %w", err)
	}
	if _, err := fmt.Fprintln(f, msg); err != nil {
		f.Close()
		return fmt.Errorf("metrics: write log: %w", err)
	}
	return f.Close()
}

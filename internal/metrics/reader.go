package metrics

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// Log is a parsed energy log.
type Log struct {
	Header  string   `json:"header"`
	Records []Record `json:"records"`
	// Notes holds the non-tabular lines, such as halt messages.
	Notes []string `json:"notes,omitempty"`
}

// Energies returns the kinetic energy column.
func (l Log) Energies() []float64 {
	out := make([]float64, len(l.Records))
	for i, r := range l.Records {
		out[i] = r.KE
	}
	return out
}

func (l Log) Last() (Record, bool) {
	if len(l.Records) == 0 {
		return Record{}, false
	}
	return l.Records[len(l.Records)-1], true
}

// ParseLog reads a log written by LogWriter. Lines that are not records are
// kept as notes; the header is the first line starting with "Level".
func ParseLog(r io.Reader) (Log, error) {
	var log Log
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == Columns {
			continue
		}
		if rec, ok := parseRecord(line); ok {
			log.Records = append(log.Records, rec)
			continue
		}
		if log.Header == "" && strings.HasPrefix(line, "Level ") {
			log.Header = line
			continue
		}
		log.Notes = append(log.Notes, line)
	}
	return log, sc.Err()
}

func ReadLog(path string) (Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return Log{}, err
	}
	defer f.Close()
	return ParseLog(f)
}

func parseRecord(line string) (Record, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Record{}, false
	}
	step, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, false
	}
	var vals [3]float64
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return Record{}, false
		}
		vals[i] = v
	}
	return Record{Step: step, Dt: vals[0], Time: vals[1], KE: vals[2]}, true
}

package bulk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxStreamLineBytes = 4 << 20

// Record is one parsed line of a bulk export result file.
type Record struct {
	Line     int
	TypeName string
	Data     map[string]any
}

// StreamStats accounts for a pass over a result stream.
type StreamStats struct {
	Lines     int
	Records   int
	Malformed int
}

// StreamReader walks a newline-delimited JSON export. Malformed lines are
// skipped and counted rather than aborting the walk; a single bad line in a
// million-object export must not lose the rest. Line numbers double as the
// resume cursor.
type StreamReader struct {
	scanner *bufio.Scanner
	stats   StreamStats
	line    int
}

func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
	return &StreamReader{scanner: scanner}
}

// Seek skips lines until the reader sits just past the cursor, so a
// consumer can resume a previous pass.
func (r *StreamReader) Seek(cursor int) error {
	if r == nil {
		return fmt.Errorf("bulk: stream reader is not configured")
	}
	for r.line < cursor {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		r.line++
		r.stats.Lines++
	}
	return nil
}

// Next returns the next well-formed record, or io.EOF when the stream ends.
func (r *StreamReader) Next() (Record, error) {
	if r == nil {
		return Record{}, fmt.Errorf("bulk: stream reader is not configured")
	}
	for r.scanner.Scan() {
		r.line++
		r.stats.Lines++
		raw := strings.TrimSpace(r.scanner.Text())
		if raw == "" {
			continue
		}
		data := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			r.stats.Malformed++
			continue
		}
		r.stats.Records++
		return Record{
			Line:     r.line,
			TypeName: typeName(data),
			Data:     data,
		}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// Page reads up to limit records and returns them with the cursor to resume
// from. A cursor of zero with no records means the stream is exhausted.
func (r *StreamReader) Page(limit int) ([]Record, int, error) {
	if limit <= 0 {
		limit = 50
	}
	records := make([]Record, 0, limit)
	for len(records) < limit {
		record, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, r.line, err
		}
		records = append(records, record)
	}
	cursor := 0
	if len(records) > 0 {
		cursor = records[len(records)-1].Line
	}
	return records, cursor, nil
}

// Drain runs fn over every remaining record and returns the pass stats.
func (r *StreamReader) Drain(fn func(record Record) error) (StreamStats, error) {
	if fn == nil {
		return r.Stats(), fmt.Errorf("bulk: drain callback is required")
	}
	for {
		record, err := r.Next()
		if err == io.EOF {
			return r.Stats(), nil
		}
		if err != nil {
			return r.Stats(), err
		}
		if err := fn(record); err != nil {
			return r.Stats(), err
		}
	}
}

func (r *StreamReader) Stats() StreamStats {
	if r == nil {
		return StreamStats{}
	}
	return r.stats
}

func typeName(data map[string]any) string {
	if raw, ok := data["__typename"]; ok {
		if name, ok := raw.(string); ok {
			return name
		}
	}
	// Export ids carry the entity type: gid://shopify/Order/123.
	if raw, ok := data["id"]; ok {
		if id, ok := raw.(string); ok {
			parts := strings.Split(id, "/")
			if len(parts) >= 2 && strings.HasPrefix(id, "gid://") {
				return parts[len(parts)-2]
			}
		}
	}
	return ""
}

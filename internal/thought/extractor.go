// Package thought extracts delimited thought units from an incremental
// reasoning stream.
package thought

import "strings"

const (
	DefaultBeginMarker = "[bt]"
	DefaultEndMarker   = "[et]"
)

// Extractor buffers text across Feed calls and yields every complete
// begin/end delimited unit in arrival order. It is not safe for concurrent use.
type Extractor struct {
	begin  string
	end    string
	buffer string
}

func NewExtractor(begin, end string) *Extractor {
	if begin == "" {
		begin = DefaultBeginMarker
	}
	if end == "" {
		end = DefaultEndMarker
	}
	return &Extractor{begin: begin, end: end}
}

// Feed appends fragment to the buffer and returns the trimmed, non-empty units
// completed by it. An opened but unterminated unit stays buffered for the next
// call. Text outside any unit is discarded, so the buffer stays bounded
// between units.
func (e *Extractor) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	e.buffer += fragment

	var out []string
	for {
		b := strings.Index(e.buffer, e.begin)
		if b < 0 {
			// Only a begin marker split across fragments can still match.
			if keep := len(e.begin) - 1; len(e.buffer) > keep {
				e.buffer = e.buffer[len(e.buffer)-keep:]
			}
			break
		}
		e.buffer = e.buffer[b:]
		end := strings.Index(e.buffer, e.end)
		if end < 0 {
			break
		}
		start := len(e.begin)
		if end < start {
			// End marker overlaps the begin marker; look for the next one after it.
			rel := strings.Index(e.buffer[start:], e.end)
			if rel < 0 {
				break
			}
			end = start + rel
		}
		if unit := strings.TrimSpace(e.buffer[start:end]); unit != "" {
			out = append(out, unit)
		}
		e.buffer = e.buffer[end+len(e.end):]
	}
	return out
}

// Pending returns the unconsumed buffer. Nothing is flushed at stream end, so
// a dangling unit without its end marker is dropped by callers.
func (e *Extractor) Pending() string {
	return e.buffer
}

// Reset discards buffered text.
func (e *Extractor) Reset() {
	e.buffer = ""
}

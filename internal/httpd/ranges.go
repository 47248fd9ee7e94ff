package httpd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// byteRange is an inclusive [From, To] byte range, resolved against a
// known object size.
type byteRange struct {
	From, To int64
}

func (r byteRange) length() int64 { return r.To - r.From + 1 }

// parseRangeHeader parses an HTTP Range header of the form
// "bytes=0-499,1000-1499" against an object of the given size (spec
// section 4.7, "Range header honored for octet-stream"), grounded on
// the original's _range_parser module referenced by SPEC_FULL's
// supplemental-feature note on multipart/byteranges.
func parseRangeHeader(header string, size int64) ([]byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("unsupported range unit in %q", header)
	}

	var ranges []byteRange
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}

		dash := strings.IndexByte(spec, '-')
		if dash < 0 {
			return nil, fmt.Errorf("malformed range %q", spec)
		}

		startStr, endStr := spec[:dash], spec[dash+1:]

		var r byteRange
		switch {
		case startStr == "" && endStr == "":
			return nil, fmt.Errorf("malformed range %q", spec)
		case startStr == "":
			// Suffix range: last N bytes.
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("malformed suffix range %q", spec)
			}
			if n > size {
				n = size
			}
			r = byteRange{From: size - n, To: size - 1}
		case endStr == "":
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 {
				return nil, fmt.Errorf("malformed range %q", spec)
			}
			r = byteRange{From: start, To: size - 1}
		default:
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 {
				return nil, fmt.Errorf("malformed range %q", spec)
			}
			end, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return nil, fmt.Errorf("malformed range %q", spec)
			}
			if end > size-1 {
				end = size - 1
			}
			r = byteRange{From: start, To: end}
		}

		if size == 0 || r.From >= size || r.From > r.To {
			return nil, fmt.Errorf("range %q out of bounds for size %d", spec, size)
		}
		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		return nil, fmt.Errorf("no satisfiable ranges in %q", header)
	}
	return ranges, nil
}

// canonicalizeRanges sorts and merges overlapping or adjacent ranges,
// the way a conforming server collapses a client's redundant range
// set before deciding single-part vs multipart.
func canonicalizeRanges(ranges []byteRange) []byteRange {
	sorted := append([]byteRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.From <= last.To+1 {
			if r.To > last.To {
				last.To = r.To
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func contentRangeHeader(r byteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.From, r.To, size)
}

package checksum

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadSidecar parses a ".checksums" sidecar file written by Sum.
func ReadSidecar(sidecarPath string) ([]ChunkSum, error) {
	f, err := os.Open(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sidecar %s: %v", ErrChecksumIO, sidecarPath, err)
	}
	defer f.Close()

	var chunks []ChunkSum
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: malformed sidecar line %q", ErrChecksumIO, line)
		}
		offset, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed offset in %q: %v", ErrChecksumIO, line, err)
		}
		length, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed length in %q: %v", ErrChecksumIO, line, err)
		}
		chunks = append(chunks, ChunkSum{Offset: offset, Length: length, MD5Hex: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning sidecar: %v", ErrChecksumIO, err)
	}
	return chunks, nil
}

// ChunksOverlapping returns the chunks from a sidecar that intersect
// [from, to) (half-open), used to attach a per-part ETag to multipart
// Range responses (spec section 4.7). A part gets an ETag only when it
// lies within a single chunk; Range responses are served exactly as
// requested and are not widened to chunk boundaries.
func ChunksOverlapping(chunks []ChunkSum, from, to int64) []ChunkSum {
	var out []ChunkSum
	for _, c := range chunks {
		end := c.Offset + c.Length
		if c.Offset < to && end > from {
			out = append(out, c)
		}
	}
	return out
}

// Package checksum implements the Checksummer (spec section 4.2): it
// streams a file in fixed-size chunks, writing a ".checksums" sidecar
// with one "<offset> <length> <md5-hex>" line per chunk, plus the
// whole-file MD5. Memory usage is O(chunk size): each chunk is hashed
// as it's read, never the whole file at once.
package checksum

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrChecksumIO is returned when a read or write fails while
	// checksumming (spec section 4.2).
	ErrChecksumIO = errors.New("checksum: io error")

	// ErrSourceMissing is returned when the source file disappears
	// mid-stream.
	ErrSourceMissing = errors.New("checksum: source file missing")

	// ErrCancelled is returned when the cancel function aborts the run.
	ErrCancelled = errors.New("checksum: cancelled")
)

// ChunkSum is one line of the sidecar file.
type ChunkSum struct {
	Offset int64
	Length int64
	MD5Hex string
}

// Result is the outcome of summing a file.
type Result struct {
	WholeFileMD5 string
	Chunks       []ChunkSum
}

// CancelFunc, when non-nil and returning true, aborts the current
// checksum run cooperatively at the next chunk boundary (spec section
// 4.3, "cancellation is cooperative").
type CancelFunc func() bool

// Sum streams srcPath in chunkSize-byte blocks, computing the
// whole-file MD5 and a per-chunk MD5 table, and atomically writes the
// table to sidecarPath (temp-and-rename, so a reader never observes a
// partial sidecar). chunkSize must be positive.
func Sum(srcPath, sidecarPath string, chunkSize int64, cancel CancelFunc) (Result, error) {
	if chunkSize <= 0 {
		return Result{}, fmt.Errorf("checksum: chunk size must be positive, got %d", chunkSize)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, ErrSourceMissing
		}
		return Result{}, fmt.Errorf("%w: opening %s: %v", ErrChecksumIO, srcPath, err)
	}
	defer f.Close()

	whole := md5.New()
	buf := make([]byte, chunkSize)
	reader := bufio.NewReaderSize(f, int(minInt64(chunkSize, 4<<20)))

	var chunks []ChunkSum
	var offset int64

	for {
		if cancel != nil && cancel() {
			return Result{}, ErrCancelled
		}

		n, readErr := io.ReadFull(reader, buf)
		if n > 0 {
			chunkMD5 := md5.Sum(buf[:n])
			chunks = append(chunks, ChunkSum{
				Offset: offset,
				Length: int64(n),
				MD5Hex: hex.EncodeToString(chunkMD5[:]),
			})
			whole.Write(buf[:n])
			offset += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			if os.IsNotExist(readErr) {
				return Result{}, ErrSourceMissing
			}
			return Result{}, fmt.Errorf("%w: reading %s: %v", ErrChecksumIO, srcPath, readErr)
		}
	}

	result := Result{
		WholeFileMD5: hex.EncodeToString(whole.Sum(nil)),
		Chunks:       chunks,
	}

	if err := writeSidecarAtomically(sidecarPath, chunks); err != nil {
		return Result{}, err
	}

	return result, nil
}

func writeSidecarAtomically(sidecarPath string, chunks []ChunkSum) error {
	dir := filepath.Dir(sidecarPath)
	tmp, err := os.CreateTemp(dir, ".checksums-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp sidecar: %v", ErrChecksumIO, err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, c := range chunks {
		if _, err := fmt.Fprintf(w, "%d %d %s\n", c.Offset, c.Length, c.MD5Hex); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: writing sidecar: %v", ErrChecksumIO, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: flushing sidecar: %v", ErrChecksumIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing sidecar: %v", ErrChecksumIO, err)
	}
	if err := os.Rename(tmpPath, sidecarPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming sidecar into place: %v", ErrChecksumIO, err)
	}
	return nil
}

// SidecarSize predicts the byte size of the ".checksums" file for a
// file of dataSize bytes chunked at chunkSize, so the Precache Manager
// can admit the artifact's size before it's written (spec section 4.4
// step 3, "checksum_size_from"; formula grounded on the original
// implementation's calculate_checksum_filesize).
func SidecarSize(dataSize, chunkSize int64) int64 {
	if dataSize == 0 {
		return 0
	}

	chunks := (dataSize + chunkSize - 1) / chunkSize
	var indexBytes int64
	for i := int64(0); i < chunks; i++ {
		offset := i * chunkSize
		length := chunkSize
		if remaining := dataSize - offset; remaining < chunkSize {
			length = remaining
		}
		indexBytes += int64(len(fmt.Sprintf("%d %d", offset, length)))
	}

	const md5HexLen = 32
	const spaceAndNewline = 2
	return indexBytes + chunks*(md5HexLen+spaceAndNewline)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

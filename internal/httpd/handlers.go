package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/wtsi-hgi/irobot-precache/internal/checksum"
	"github.com/wtsi-hgi/irobot-precache/internal/precache"
	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

const (
	mediaOctetStream    = "application/octet-stream"
	mediaMetadata       = "application/vnd.irobot.metadata+json"
	mediaETA            = "application/vnd.irobot.eta"
	headerETA           = "iRobot-ETA"
)

// handleDataObject dispatches the per-path methods of spec section
// 4.7: GET/HEAD read, POST forces a refetch, DELETE evicts.
func (s *Server) handleDataObject(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if path == "" {
		s.writeJSONError(w, http.StatusNotFound, "NotFound", "empty upstream path")
		return
	}
	path = "/" + path

	ctx := r.Context()
	if s.cfg != nil && s.cfg.HTTPD.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HTTPD.Timeout)
		defer cancel()
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleGet(ctx, w, r, path)
	case http.MethodPost:
		s.handlePost(ctx, w, path)
	case http.MethodDelete:
		s.handleDelete(w, path)
	}
}

// negotiateAccept resolves the Accept header to a representation, per
// spec section 4.7's "Accept selects representation". An Accept value
// matching neither known media type is `Unacceptable` (406).
func negotiateAccept(accept string) (metadataOnly bool, ok bool) {
	if accept == "" {
		return false, true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case mediaOctetStream, "*/*":
			return false, true
		case mediaMetadata:
			return true, true
		}
	}
	return false, false
}

func (s *Server) handleGet(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) {
	metadataOnly, acceptOK := negotiateAccept(r.Header.Get("Accept"))
	if !acceptOK {
		s.writeJSONError(w, http.StatusNotAcceptable, "Unacceptable", "no representation matches Accept")
		return
	}

	mode := precache.ModeExisting
	if metadataOnly {
		mode = precache.ModeMetadataOnly
	}

	handle, err := s.manager.Open(ctx, path, mode)
	if err != nil {
		if ctx.Err() != nil {
			s.writeDeadline(w)
			return
		}
		s.writeError(w, err)
		return
	}
	defer s.manager.Release(handle)

	if metadataOnly {
		s.serveMetadata(w, r, handle)
		return
	}
	s.serveData(w, r, handle)
}

func (s *Server) serveMetadata(w http.ResponseWriter, r *http.Request, handle *precache.Handle) {
	row, ok := handle.Status[trackingindex.Metadata]
	if !ok || row.Status != trackingindex.Finished {
		s.writeETAResponse(w, handle.ID, trackingindex.Metadata)
		return
	}

	data, err := os.ReadFile(filepath.Join(handle.Dir, "metadata"))
	if err != nil {
		s.log.Error("reading metadata file", zap.String("id", handle.ID), zap.Error(err))
		s.writeJSONError(w, http.StatusInternalServerError, "Internal", "metadata unreadable")
		return
	}

	w.Header().Set("Content-Type", mediaMetadata)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) serveData(w http.ResponseWriter, r *http.Request, handle *precache.Handle) {
	row, ok := handle.Status[trackingindex.Data]
	if !ok || row.Status != trackingindex.Finished {
		s.writeETAResponse(w, handle.ID, trackingindex.Data)
		return
	}

	size := handle.Sizes[trackingindex.Data]

	var etag string
	if handle.Checksum != "" {
		etag = `"` + handle.Checksum + `"`
		w.Header().Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Accept-Ranges", "bytes")

	dataPath := filepath.Join(handle.Dir, "data")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Type", mediaOctetStream)
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		s.copyFile(w, dataPath, 0, size)
		return
	}

	ranges, err := parseRangeHeader(rangeHeader, size)
	if err != nil {
		s.writeJSONError(w, http.StatusRequestedRangeNotSatisfiable, "BadRange", err.Error())
		return
	}
	ranges = canonicalizeRanges(ranges)

	if len(ranges) == 1 {
		w.Header().Set("Content-Type", mediaOctetStream)
		w.Header().Set("Content-Range", contentRangeHeader(ranges[0], size))
		w.Header().Set("Content-Length", strconv.FormatInt(ranges[0].length(), 10))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusPartialContent)
		return
	}

	if len(ranges) == 1 {
		w.WriteHeader(http.StatusPartialContent)
		s.copyFile(w, dataPath, ranges[0].From, ranges[0].length())
		return
	}

	chunks, _ := checksum.ReadSidecar(filepath.Join(handle.Dir, "checksums"))
	s.serveMultipartRanges(w, dataPath, ranges, size, chunks)
}

func (s *Server) serveMultipartRanges(w http.ResponseWriter, dataPath string, ranges []byteRange, size int64, chunks []checksum.ChunkSum) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusPartialContent)

	f, err := os.Open(dataPath)
	if err != nil {
		s.log.Error("opening data file for multipart range", zap.Error(err))
		return
	}
	defer f.Close()

	for _, r := range ranges {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", mediaOctetStream)
		header.Set("Content-Range", contentRangeHeader(r, size))
		if overlapping := checksum.ChunksOverlapping(chunks, r.From, r.To+1); len(overlapping) == 1 {
			header.Set("ETag", `"`+overlapping[0].MD5Hex+`"`)
		}

		part, err := mw.CreatePart(header)
		if err != nil {
			s.log.Error("creating multipart range part", zap.Error(err))
			return
		}
		if _, err := f.Seek(r.From, io.SeekStart); err != nil {
			s.log.Error("seeking data file", zap.Error(err))
			return
		}
		if _, err := io.CopyN(part, f, r.length()); err != nil {
			s.log.Error("streaming range part", zap.Error(err))
			return
		}
	}
	if err := mw.Close(); err != nil {
		s.log.Error("closing multipart writer", zap.Error(err))
	}
}

func (s *Server) copyFile(w http.ResponseWriter, path string, offset, length int64) {
	f, err := os.Open(path)
	if err != nil {
		s.log.Error("opening data file", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			s.log.Error("seeking data file", zap.Error(err))
			return
		}
	}
	if _, err := io.CopyN(w, f, length); err != nil && err != io.EOF {
		s.log.Error("streaming data file", zap.Error(err))
	}
}

// writeETAResponse answers with 202 and the iRobot-ETA header (spec
// section 4.7), the media type for an object still in flight.
func (s *Server) writeETAResponse(w http.ResponseWriter, id string, dt trackingindex.Datatype) {
	w.Header().Set("Content-Type", mediaETA)
	if est, err := s.manager.ETA(id, dt); err == nil && est != nil {
		w.Header().Set(headerETA, fmt.Sprintf("%s +/- %d", est.ETA.UTC().Format(time.RFC3339), int64(math.Round(est.StderrSecond))))
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePost forces a refetch+prime of path (spec section 4.7): 202
// with ETA if a refetch was actually triggered, 201 if the entity was
// already up to date.
func (s *Server) handlePost(ctx context.Context, w http.ResponseWriter, path string) {
	handle, err := s.manager.Open(ctx, path, precache.ModeForceRefetch)
	if err != nil {
		if ctx.Err() != nil {
			s.writeDeadline(w)
			return
		}
		s.writeError(w, err)
		return
	}
	defer s.manager.Release(handle)

	if row, ok := handle.Status[trackingindex.Data]; ok && row.Status == trackingindex.Finished {
		w.WriteHeader(http.StatusCreated)
		return
	}
	s.writeETAResponse(w, handle.ID, trackingindex.Data)
}

func (s *Server) handleDelete(w http.ResponseWriter, path string) {
	err := s.manager.Delete(path)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, r, status)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.cfg)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manager.Manifest()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, r, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding JSON response", zap.Error(err))
	}
}

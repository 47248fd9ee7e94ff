// Package upstreamtest provides a fake upstream HTTP server for tests,
// adapted from the teacher's cmd/storage-node: a gorilla/mux router
// serving fixed in-memory objects at the three endpoints
// internal/upstream/http.go's HTTPGateway expects.
package upstreamtest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Object is one fake upstream object, keyed by path.
type Object struct {
	Data       []byte
	CreatedTS  time.Time
	ModifiedTS time.Time
	AVUs       []AVU

	// Checksum overrides the computed MD5 of Data, letting tests
	// inject a mismatching metadata checksum (spec section 8, scenario
	// 6, "mismatch retry").
	Checksum string

	// Missing, when true, makes every endpoint for this path 404.
	Missing bool
	// Forbidden, when true, makes every endpoint for this path 403.
	Forbidden bool

	// Delay, if positive, is slept before handleData serves the
	// object's bytes, letting tests observe a fetch that is still in
	// flight.
	Delay time.Duration
}

// AVU mirrors upstream.AVU without importing the parent package, to
// keep this test helper dependency-free of production wiring.
type AVU struct {
	Attribute string
	Value     string
	Unit      string
}

// Server is a fake upstream. Zero value is not usable; use New.
type Server struct {
	mu      sync.Mutex
	objects map[string]*Object

	// FetchDataCalls counts FetchData invocations per path, so tests
	// can assert the at-most-one-per-entity de-duplication guarantee
	// (spec section 8, "exactly one upstream fetch_data call").
	FetchDataCalls map[string]int

	httpServer *httptest.Server
}

// New starts a fake upstream HTTP server listening on a loopback port.
func New() *Server {
	s := &Server{
		objects:        make(map[string]*Object),
		FetchDataCalls: make(map[string]int),
	}

	router := mux.NewRouter()
	router.SkipClean(true)
	router.HandleFunc("/metadata/{path:.*}", s.handleMetadata).Methods(http.MethodGet)
	router.HandleFunc("/data/{path:.*}", s.handleData).Methods(http.MethodGet)
	router.HandleFunc("/checksum/{path:.*}", s.handleChecksum).Methods(http.MethodGet)

	s.httpServer = httptest.NewServer(router)
	return s
}

// URL returns the server's base URL, suitable for upstream.New.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// Put registers or replaces an object at path.
func (s *Server) Put(path string, obj *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = obj
}

func (s *Server) lookup(path string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	return obj, ok
}

func checksumOf(obj *Object) string {
	if obj.Checksum != "" {
		return obj.Checksum
	}
	sum := md5.Sum(obj.Data)
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	obj, ok := s.lookup(path)
	if !ok || obj.Missing {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if obj.Forbidden {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	type avuWire struct {
		Attribute string `json:"attribute"`
		Value     string `json:"value"`
		Unit      string `json:"unit"`
	}
	wire := struct {
		Size       int64     `json:"size"`
		Checksum   string    `json:"checksum"`
		CreatedTS  int64     `json:"created_ts"`
		ModifiedTS int64     `json:"modified_ts"`
		AVUs       []avuWire `json:"avus"`
	}{
		Size:       int64(len(obj.Data)),
		Checksum:   checksumOf(obj),
		CreatedTS:  obj.CreatedTS.Unix(),
		ModifiedTS: obj.ModifiedTS.Unix(),
	}
	for _, a := range obj.AVUs {
		wire.AVUs = append(wire.AVUs, avuWire{Attribute: a.Attribute, Value: a.Value, Unit: a.Unit})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	obj, ok := s.lookup(path)
	if !ok || obj.Missing {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if obj.Forbidden {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	s.FetchDataCalls[path]++
	s.mu.Unlock()

	if obj.Delay > 0 {
		time.Sleep(obj.Delay)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(obj.Data)
}

func (s *Server) handleChecksum(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	obj, ok := s.lookup(path)
	if !ok || obj.Missing {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if obj.Forbidden {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sum := md5.Sum(obj.Data)
	_, _ = w.Write([]byte(hex.EncodeToString(sum[:])))
}

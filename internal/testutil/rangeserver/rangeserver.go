// Package rangeserver provides an httptest-backed static file server that
// understands single and multi-range requests, standing in for a real CDN
// or package host in tests that exercise internal/download's range-fetch
// and multipart/byteranges parsing paths end to end.
package rangeserver

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// Server wraps an httptest.Server serving named in-memory files under
// /files/{name}, with Range support (including multi-range requests,
// answered as multipart/byteranges).
type Server struct {
	*httptest.Server

	files map[string][]byte
}

// New starts a server with no files registered; add them with Put before
// issuing requests.
func New() *Server {
	s := &Server{files: make(map[string][]byte)}
	r := mux.NewRouter()
	r.HandleFunc("/files/{name}", s.handleFile).Methods(http.MethodGet)
	s.Server = httptest.NewServer(r)
	return s
}

// Put registers data under name, addressable at s.URL()+"/files/"+name.
func (s *Server) Put(name string, data []byte) {
	s.files[name] = data
}

// URL returns the base URL for a registered file named name.
func (s *Server) URL(name string) string {
	return s.Server.URL + "/files/" + name
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, ok := s.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	ranges, err := parseRangeHeader(rangeHeader, len(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if len(ranges) == 1 {
		s.writeSingleRange(w, data, ranges[0])
		return
	}
	s.writeMultiRange(w, data, ranges)
}

type byteRange struct {
	start, end int64 // inclusive
}

func (s *Server) writeSingleRange(w http.ResponseWriter, data []byte, rg byteRange) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rg.start, rg.end, len(data)))
	w.Header().Set("Content-Length", strconv.FormatInt(rg.end-rg.start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[rg.start : rg.end+1])
}

func (s *Server) writeMultiRange(w http.ResponseWriter, data []byte, ranges []byteRange) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusPartialContent)

	for _, rg := range ranges {
		part, err := mw.CreatePart(map[string][]string{
			"Content-Range": {fmt.Sprintf("bytes %d-%d/%d", rg.start, rg.end, len(data))},
		})
		if err != nil {
			return
		}
		part.Write(data[rg.start : rg.end+1])
	}
	mw.Close()
}

// parseRangeHeader parses "bytes=s1-e1,s2-e2,..." against a resource of
// the given total size, resolving open-ended ranges ("s-") against it.
func parseRangeHeader(header string, size int) ([]byteRange, error) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.Split(header, ",")
	ranges := make([]byteRange, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		dash := strings.IndexByte(p, '-')
		if dash < 0 {
			return nil, fmt.Errorf("invalid range %q", p)
		}
		startStr, endStr := p[:dash], p[dash+1:]
		var start, end int64
		var err error
		if startStr == "" {
			// suffix range "-N": last N bytes
			n, perr := strconv.ParseInt(endStr, 10, 64)
			if perr != nil {
				return nil, perr
			}
			start = int64(size) - n
			if start < 0 {
				start = 0
			}
			end = int64(size) - 1
		} else {
			start, err = strconv.ParseInt(startStr, 10, 64)
			if err != nil {
				return nil, err
			}
			if endStr == "" {
				end = int64(size) - 1
			} else {
				end, err = strconv.ParseInt(endStr, 10, 64)
				if err != nil {
					return nil, err
				}
			}
		}
		if start < 0 || end >= int64(size) || start > end {
			return nil, fmt.Errorf("range %q out of bounds for size %d", p, size)
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges, nil
}

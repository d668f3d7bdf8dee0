package kacpkg

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/download"
)

// httpSource adapts a ranged HTTP GET to Source, so a hosted package can be
// parsed without downloading it whole — the same shared decoding path
// mmapSource gives the local self-reader.
type httpSource struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
}

// OpenRemote probes url with a single-byte range request to learn the
// resource's total size (via the Content-Range response header) and
// returns a Source over it, already parsed.
func OpenRemote(ctx context.Context, client *http.Client, url string) (*Parsed, Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build probe request")
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "probe remote package size")
	}
	defer resp.Body.Close()

	var size int64
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.IndexByte(cr, '/'); idx >= 0 {
			size, err = strconv.ParseInt(cr[idx+1:], 10, 64)
		}
	} else {
		size = resp.ContentLength
	}
	if err != nil || size <= 0 {
		return nil, nil, errors.Errorf("could not determine size of %s", url)
	}

	src := &httpSource{ctx: ctx, client: client, url: url, size: size}
	parsed, err := Parse(src)
	if err != nil {
		return nil, nil, err
	}
	return parsed, src, nil
}

func (s *httpSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > s.size {
		want = s.size - off
	}
	body, err := download.FetchRange(s.ctx, s.client, s.url, off, want)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	n, err := io.ReadFull(body, p[:want])
	if err == nil && want < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}

func (s *httpSource) Size() int64 {
	return s.size
}

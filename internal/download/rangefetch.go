package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
)

// FetchRange issues GET url with Range: bytes=offset-(offset+size-1) and
// returns the response body reader; the caller must close it. A size of 0
// requests the rest of the resource from offset.
func FetchRange(ctx context.Context, client *http.Client, url string, offset, size int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build range request")
	}
	if offset != 0 || size != 0 {
		if size > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, kerrors.NetworkErrorf(err, "GET %s", url)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, kerrors.NewFormatError("requested range not satisfiable: %s", url)
	default:
		resp.Body.Close()
		return nil, kerrors.ClassifyStatus(resp.StatusCode, url)
	}
}

// FetchMultiRange issues one GET with a multi-range Range header
// ("bytes=s1-e1,s2-e2,...") and returns the raw response so the caller can
// branch on whether the server replied with a single octet-stream range or
// a multipart/byteranges body; both encodings must be handled since servers
// differ in which one they choose for a multi-range request.
func FetchMultiRange(ctx context.Context, client *http.Client, url string, ranges []ByteRange) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build multi-range request")
	}
	req.Header.Set("Range", BuildRangeHeader(ranges))

	resp, err := client.Do(req)
	if err != nil {
		return nil, kerrors.NetworkErrorf(err, "GET %s", url)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, kerrors.ClassifyStatus(resp.StatusCode, url)
	}
	return resp, nil
}

// ByteRange is a single [Start, End] inclusive byte range.
type ByteRange struct {
	Start int64
	End   int64
}

// BuildRangeHeader formats a Range header value for one or more byte
// ranges per RFC 7233.
func BuildRangeHeader(ranges []ByteRange) string {
	s := "bytes="
	for i, r := range ranges {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d-%d", r.Start, r.End)
	}
	return s
}

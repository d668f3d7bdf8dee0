package download

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Part is one decoded body from a multipart/byteranges response, with the
// Content-Range offsets parsed out so the executor can demultiplex it the
// same way it demultiplexes a single contiguous range.
type Part struct {
	Start, End int64
	Data       []byte
}

// IsMultipartByteranges reports whether resp's Content-Type indicates a
// multipart/byteranges body rather than a single application/octet-stream
// range.
func IsMultipartByteranges(resp *http.Response) (boundary string, ok bool) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(mediaType, "multipart/byteranges") {
		return "", false
	}
	return params["boundary"], true
}

// ParseMultipartByteranges decodes every part of a multipart/byteranges
// body, using mime/multipart — the same MIME structure net/http itself
// implements server-side, so there is no ecosystem client-side parser that
// improves on it (see DESIGN.md).
func ParseMultipartByteranges(body io.Reader, boundary string) ([]Part, error) {
	reader := multipart.NewReader(body, boundary)
	var parts []Part
	for {
		p, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read multipart part")
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, errors.Wrap(err, "read multipart part body")
		}
		start, end, err := parseContentRange(p.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		parts = append(parts, Part{Start: start, End: end, Data: data})
	}
	return parts, nil
}

// parseContentRange parses "bytes start-end/total" (the total may be "*").
func parseContentRange(h string) (start, end int64, err error) {
	h = strings.TrimPrefix(h, "bytes ")
	slash := strings.IndexByte(h, '/')
	if slash < 0 {
		return 0, 0, errors.Errorf("invalid Content-Range %q", h)
	}
	rangePart := h[:slash]
	dash := strings.IndexByte(rangePart, '-')
	if dash < 0 {
		return 0, 0, errors.Errorf("invalid Content-Range %q", h)
	}
	start, err = strconv.ParseInt(rangePart[:dash], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid Content-Range start %q", h)
	}
	end, err = strconv.ParseInt(rangePart[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid Content-Range end %q", h)
	}
	return start, end, nil
}

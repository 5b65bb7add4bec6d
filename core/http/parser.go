package http

import (
	"bytes"
	"errors"
	"strconv"
	"unsafe"
)

var (
	// ErrInvalidRequest marks input that can never become a valid request.
	ErrInvalidRequest = errors.New("invalid HTTP request")

	// ErrIncompleteRequest marks input that may become valid once more
	// bytes arrive. The engine keeps the connection in the reading state.
	ErrIncompleteRequest = errors.New("incomplete HTTP request")
)

// unsafeString converts a byte slice to a string without allocation.
// The returned string shares memory with the input buffer.
func unsafeString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// ParseRequest parses a full HTTP/1.x request from data.
//
// The parser is zero-allocation for the request line: method, path and proto
// are unsafe views into the read buffer, which stays pinned until the request
// is released. Header values are copied because they outlive the buffer in
// keep-alive reuse.
func ParseRequest(data []byte) (*Request, error) {
	headerEnd, bodyStart := findHeaderEnd(data)
	if headerEnd == -1 {
		return nil, ErrIncompleteRequest
	}

	req := AcquireRequest()

	// The terminator contains '\n', so lineEnd is always found. For a
	// request with no headers it lands inside the terminator itself.
	lineEnd := bytes.IndexByte(data, '\n')
	if lineEnd > headerEnd {
		lineEnd = headerEnd
	}

	line := trimCR(data[:lineEnd])

	// METHOD SP PATH SP PROTO, located without SplitN to avoid allocation.
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		ReleaseRequest(req)
		return nil, ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 == -1 {
		ReleaseRequest(req)
		return nil, ErrInvalidRequest
	}
	sp2 += sp1 + 1

	req.Method = unsafeString(line[:sp1])
	req.Path = unsafeString(line[sp1+1 : sp2])
	req.Proto = unsafeString(line[sp2+1:])

	if len(req.Path) == 0 || req.Path[0] != '/' {
		ReleaseRequest(req)
		return nil, ErrInvalidRequest
	}

	if idx := bytes.IndexByte(line[sp1+1:sp2], '?'); idx != -1 {
		req.Path = parseQuery(req, req.Path, idx)
	}

	if lineEnd+1 < headerEnd {
		parseHeaders(req, data[lineEnd+1:headerEnd])
	}

	// Body: honor Content-Length so pipelined keep-alive reads do not
	// truncate or over-read.
	body := data[bodyStart:]
	if req.ContentLength != "" {
		want, err := strconv.Atoi(req.ContentLength)
		if err != nil || want < 0 {
			ReleaseRequest(req)
			return nil, ErrInvalidRequest
		}
		if len(body) < want {
			ReleaseRequest(req)
			return nil, ErrIncompleteRequest
		}
		body = body[:want]
	}
	if len(body) > 0 {
		req.Body = append(req.Body[:0], body...)
	}

	return req, nil
}

// findHeaderEnd locates the header terminator. Returns the offset of the
// terminator and the offset where the body begins, or (-1, -1).
func findHeaderEnd(data []byte) (int, int) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return idx, idx + 4
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return idx, idx + 2
	}
	return -1, -1
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

func parseHeaders(req *Request, data []byte) {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := trimCR(data[:lineEnd])
		if len(line) == 0 {
			break
		}

		colon := bytes.IndexByte(line, ':')
		if colon > 0 {
			key := string(bytes.TrimSpace(line[:colon]))
			value := string(bytes.TrimSpace(line[colon+1:]))
			req.SetHeader(key, value)
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
}

// parseQuery splits the query string off the path and fills req.Query.
func parseQuery(req *Request, path string, idx int) string {
	queryStr := path[idx+1:]
	path = path[:idx]

	if req.Query == nil {
		req.Query = make(map[string]string)
	}

	for len(queryStr) > 0 {
		var pair string
		if amp := indexByteString(queryStr, '&'); amp != -1 {
			pair = queryStr[:amp]
			queryStr = queryStr[amp+1:]
		} else {
			pair = queryStr
			queryStr = ""
		}
		if pair == "" {
			continue
		}
		if eq := indexByteString(pair, '='); eq != -1 {
			req.Query[pair[:eq]] = pair[eq+1:]
		} else {
			req.Query[pair] = ""
		}
	}

	return path
}

func indexByteString(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// ContentLength is the number of bytes in the range.
func (r Range) ContentLength() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range response header for an object of total bytes.
func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// Header formats the Range request header.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ParseRange parses a Range header against an object of size bytes. An empty header returns
// nil. Only the first range of a multi-range request is honored.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return nil, ErrInvalidRange
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if idx := strings.Index(spec, ","); idx != -1 {
		spec = spec[:idx]
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	var start, end int64
	if first == "" {
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, ErrInvalidRange
		}
		start = size - suffix
		if start < 0 {
			start = 0
		}
		end = size - 1
	} else {
		var err error
		start, err = strconv.ParseInt(first, 10, 64)
		if err != nil || start < 0 {
			return nil, ErrInvalidRange
		}
		if last == "" {
			end = size - 1
		} else {
			end, err = strconv.ParseInt(last, 10, 64)
			if err != nil {
				return nil, ErrInvalidRange
			}
		}
	}

	if start > end || start >= size {
		return nil, ErrUnsatisfiable
	}
	if end >= size {
		end = size - 1
	}
	return &Range{Start: start, End: end}, nil
}

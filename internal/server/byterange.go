package server

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const rangeUnitPrefix = "bytes="

// errUnsatisfiableRange is returned for any header that does not resolve to
// a non-empty list of ranges inside the file.
var errUnsatisfiableRange = errors.New("range not satisfiable")

// ByteRange is an inclusive span [Start, End] of a file's bytes.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value of r.
func (r ByteRange) ContentRange(total int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10) +
		"/" + strconv.FormatInt(total, 10)
}

// ParseRange resolves a Range header against a file of total bytes.
//
// Ranges are returned in request order and are validated one by one; overlap
// and ordering between ranges are not checked. Any malformed or
// unsatisfiable spec invalidates the whole header.
func ParseRange(header string, total int64) ([]ByteRange, error) {
	specs, ok := strings.CutPrefix(header, rangeUnitPrefix)
	if !ok {
		return nil, errors.Wrapf(errUnsatisfiableRange, "unsupported range unit in %q", header)
	}

	var ranges []ByteRange
	for _, spec := range strings.Split(specs, ",") {
		r, err := parseRangeSpec(strings.Trim(spec, " \t"), total)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, errUnsatisfiableRange
	}
	return ranges, nil
}

func parseRangeSpec(spec string, total int64) (ByteRange, error) {
	if !isRangeSpec(spec) {
		return ByteRange{}, errors.Wrapf(errUnsatisfiableRange, "malformed range %q", spec)
	}

	first, last, _ := strings.Cut(spec, "-")
	var r ByteRange
	switch {
	case first == "" && last == "":
		return ByteRange{}, errors.Wrapf(errUnsatisfiableRange, "malformed range %q", spec)

	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return ByteRange{}, errors.Wrapf(errUnsatisfiableRange, "range %q: %v", spec, err)
		}
		r = ByteRange{Start: total - n, End: total - 1}

	default:
		start, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return ByteRange{}, errors.Wrapf(errUnsatisfiableRange, "range %q: %v", spec, err)
		}
		r = ByteRange{Start: start, End: total - 1}
		if last != "" {
			if r.End, err = strconv.ParseInt(last, 10, 64); err != nil {
				return ByteRange{}, errors.Wrapf(errUnsatisfiableRange, "range %q: %v", spec, err)
			}
		}
	}

	if r.Start > r.End || r.Start < 0 || r.End >= total {
		return ByteRange{}, errors.Wrapf(errUnsatisfiableRange, "range %q outside of %d bytes", spec, total)
	}
	return r, nil
}

// isRangeSpec reports whether spec consists of digits and exactly one '-'.
func isRangeSpec(spec string) bool {
	dashes := 0
	for i := 0; i < len(spec); i++ {
		switch c := spec[i]; {
		case c == '-':
			dashes++
		case c < '0' || c > '9':
			return false
		}
	}
	return dashes == 1
}

package server

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
)

const (
	chunkSize = 64 << 10

	multipartBoundary = "3d6b6a416f9b5LinuxSourceMirror"
	closingBoundary   = "--" + multipartBoundary + "--\r\n"
	defaultMediaType  = "application/octet-stream"
)

// errShortRead marks a file that yielded fewer bytes than announced.
var errShortRead = errors.New("short read")

// servedFile is the part of *os.File that serveFile reads through.
type servedFile interface {
	io.ReaderAt
	io.Closer
	Stat() (os.FileInfo, error)
}

func openFile(name string) (servedFile, error) {
	f, err := os.Open(name) // #nosec G304 - name is confined to the data directory by route
	if err != nil {
		return nil, err
	}
	return f, nil
}

func contentType(p string) string {
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return defaultMediaType
}

// serveFile answers a request for the regular file at p.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) string {
	f, err := s.openFile(p)
	if err != nil {
		http.NotFound(w, r)
		return kindNotFound
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return kindNotFound
	}

	total := info.Size()
	ctype := contentType(p)
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	header := r.Header.Get("Range")
	if header == "" {
		h.Set("Content-Type", ctype)
		h.Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			sendSlice(w, f, p, ByteRange{Start: 0, End: total - 1})
		}
		return kindFile
	}

	ranges, err := ParseRange(header, total)
	if err != nil {
		slog.Debug("rejected range request", "path", r.URL.Path, "range", header, "error", err)
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		h.Set("Content-Length", "0")
		w.WriteHeader(s.unsatisfiableStatus())
		return kindUnsatisfiable
	}

	if len(ranges) == 1 {
		br := ranges[0]
		h.Set("Content-Type", ctype)
		h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
		h.Set("Content-Range", br.ContentRange(total))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			sendSlice(w, f, p, br)
		}
		return kindRange
	}

	h.Set("Content-Type", "multipart/byteranges; boundary="+multipartBoundary)
	h.Set("Content-Length", strconv.FormatInt(multipartLength(ctype, ranges, total), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		for _, br := range ranges {
			if _, err := io.WriteString(w, partHeader(ctype, br, total)); err != nil {
				abortTransfer(p, err)
			}
			sendSlice(w, f, p, br)
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				abortTransfer(p, err)
			}
		}
		if _, err := io.WriteString(w, closingBoundary); err != nil {
			abortTransfer(p, err)
		}
	}
	return kindMultiRange
}

func (s *Server) unsatisfiableStatus() int {
	if s.legacyRangeStatus {
		return http.StatusNotAcceptable
	}
	return http.StatusRequestedRangeNotSatisfiable
}

// partHeader returns the boundary line and headers that precede the body
// of one multipart/byteranges part.
func partHeader(ctype string, br ByteRange, total int64) string {
	return "--" + multipartBoundary + "\r\n" +
		"Content-Type: " + ctype + "\r\n" +
		"Content-Range: " + br.ContentRange(total) + "\r\n" +
		"\r\n"
}

// multipartLength returns the exact size of the multipart/byteranges body
// serveFile writes for ranges.
func multipartLength(ctype string, ranges []ByteRange, total int64) int64 {
	var n int64
	for _, br := range ranges {
		n += int64(len(partHeader(ctype, br, total))) + br.Length() + int64(len("\r\n"))
	}
	return n + int64(len(closingBoundary))
}

// sendSlice streams br of f to w. Once headers are out a failure cannot be
// reported in-band, so the connection is aborted instead.
func sendSlice(w io.Writer, f io.ReaderAt, p string, br ByteRange) {
	if err := copyRange(w, f, br); err != nil {
		abortTransfer(p, err)
	}
}

func abortTransfer(p string, err error) {
	if errors.Is(err, errShortRead) {
		slog.Warn("aborting transfer", "path", p, "error", err)
	} else {
		slog.Debug("aborting transfer", "path", p, "error", err)
	}
	panic(http.ErrAbortHandler)
}

// copyRange copies the bytes of br from f to w in chunkSize pieces.
func copyRange(w io.Writer, f io.ReaderAt, br ByteRange) error {
	buf := make([]byte, chunkSize)
	off, remain := br.Start, br.Length()
	for remain > 0 {
		n := int64(len(buf))
		if remain < n {
			n = remain
		}
		got, err := f.ReadAt(buf[:n], off)
		if got > 0 {
			if _, werr := w.Write(buf[:got]); werr != nil {
				return errors.Wrap(werr, "write response")
			}
			off += int64(got)
			remain -= int64(got)
		}
		if err != nil && remain > 0 {
			if err == io.EOF {
				return errors.Wrapf(errShortRead, "%d bytes missing at offset %d", remain, off)
			}
			return errors.Mark(errors.Wrap(err, "read file"), errShortRead)
		}
	}
	return nil
}

package server

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

const (
	listingTimeLayout = "2006-01-02 15:04:05"
	unknownField      = "unknown"
	noSize            = "-"
)

var pageTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Index of {{.Path}}</title>
</head>
<body>
<h1>Index of {{.Path}}</h1>
<hr>
<table>
{{- if .Catalog}}
<tr><th>Name</th><th>Upstream</th></tr>
{{- range .Catalog}}
<tr><td><a href="{{.Href}}">{{.Name}}/</a></td><td><a href="{{.Upstream}}">{{.UpstreamLabel}}</a></td></tr>
{{- end}}
{{- else}}
<tr><th>Name</th><th>Size</th><th>Last modified</th></tr>
{{- if .Parent}}
<tr><td><a href="{{.Parent}}">../</a></td><td>-</td><td></td></tr>
{{- end}}
{{- range .Entries}}
<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td>{{.Size}}</td><td>{{.Modified}}</td></tr>
{{- end}}
{{- end}}
</table>
<hr>
</body>
</html>
`))

type catalogRow struct {
	Href          string
	Name          string
	Upstream      template.URL
	UpstreamLabel string
}

type entryRow struct {
	key      string
	Href     string
	Name     string
	Size     string
	Modified string
}

type page struct {
	Path    string
	Parent  string
	Catalog []catalogRow
	Entries []entryRow
}

// urlBase returns the absolute, escaped URL path of a directory given by
// its segments, with a trailing slash.
func urlBase(segments []string) string {
	var b strings.Builder
	b.WriteByte('/')
	for _, seg := range segments {
		b.WriteString(url.PathEscape(seg))
		b.WriteByte('/')
	}
	return b.String()
}

func catalogPage(registry *mirror.Registry) *page {
	p := &page{Path: "/"}
	for _, name := range registry.Names() {
		d, _ := registry.Lookup(name)
		p.Catalog = append(p.Catalog, catalogRow{
			Href: urlBase([]string{name}),
			Name: name,
			// DistroConfig.Check limits upstream URLs to rsync, http, https and ftp
			Upstream:      template.URL(d.URL), // #nosec G203
			UpstreamLabel: d.URL,
		})
	}
	return p
}

// directoryPage lists dir, which is reachable under the URL segments.
func directoryPage(dir string, segments []string) (*page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "directoryPage")
	}

	base := urlBase(segments)
	p := &page{
		Path:   "/" + strings.Join(segments, "/") + "/",
		Parent: urlBase(segments[:len(segments)-1]),
	}
	for _, e := range entries {
		p.Entries = append(p.Entries, describeEntry(dir, base, e.Name()))
	}
	sort.Slice(p.Entries, func(i, j int) bool {
		a, b := p.Entries[i].key, p.Entries[j].key
		la, lb := strings.ToLower(a), strings.ToLower(b)
		if la != lb {
			return la < lb
		}
		return a < b
	})
	return p, nil
}

// describeEntry stats one directory entry. Entries that vanished since the
// directory was read keep their name and get placeholder values.
func describeEntry(dir, base, name string) entryRow {
	row := entryRow{
		key:      name,
		Href:     base + url.PathEscape(name),
		Name:     name,
		Size:     noSize,
		Modified: unknownField,
	}

	full := filepath.Join(dir, name)
	info, err := os.Lstat(full)
	if err != nil {
		return row
	}
	row.Modified = info.ModTime().UTC().Format(listingTimeLayout)

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		row.Name = name + "@"
		target, err := os.Stat(full)
		switch {
		case err != nil:
		case target.IsDir():
			row.Href += "/"
		default:
			row.Size = strconv.FormatInt(target.Size(), 10)
		}
	case info.IsDir():
		row.Name = name + "/"
		row.Href += "/"
	default:
		row.Size = strconv.FormatInt(info.Size(), 10)
	}
	return row
}

// writePage renders p into memory and sends it with an exact Content-Length.
func writePage(w http.ResponseWriter, r *http.Request, p *page) error {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, p); err != nil {
		return errors.Wrap(err, "render listing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	_, err := w.Write(buf.Bytes())
	return err
}

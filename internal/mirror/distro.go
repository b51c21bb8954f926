package mirror

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// FaviconName is the reserved browser icon path answered by the HTTP server.
// It can never be a distro name.
const FaviconName = "favicon.ico"

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// IsValidName checks if the given distro name is valid.
func IsValidName(name string) bool {
	return validName.MatchString(name) && name != FaviconName
}

// Distro is a named upstream tree mirrored under the data directory.
type Distro struct {
	Name     string
	URL      string
	Protocol string
	Root     string
}

// Registry maps distro names to their upstream URL and local root.
//
// A Registry is immutable after NewRegistry returns and is safe for
// concurrent use.
type Registry struct {
	dataPath string
	distros  map[string]*Distro
	names    []string
}

// NewRegistry builds the distro registry from a validated Config.
func NewRegistry(config *Config) (*Registry, error) {
	dataPath := filepath.Clean(config.DataPath)
	if !filepath.IsAbs(dataPath) {
		return nil, errors.New("data_path is not absolute: " + config.DataPath)
	}

	r := &Registry{
		dataPath: dataPath,
		distros:  make(map[string]*Distro, len(config.Distros)),
	}
	for name, dc := range config.Distros {
		if !IsValidName(name) {
			return nil, errors.New("invalid distro name: " + name)
		}
		protocol := dc.Protocol
		if protocol == "" {
			protocol = ProtocolRsync
		}
		r.distros[name] = &Distro{
			Name:     name,
			URL:      dc.URL,
			Protocol: protocol,
			Root:     filepath.Join(dataPath, name),
		}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// DataPath returns the directory every distro root lives in.
func (r *Registry) DataPath() string {
	return r.dataPath
}

// Names returns all distro names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// NamesFor returns the sorted names of distros using the given protocol.
func (r *Registry) NamesFor(protocol string) []string {
	var names []string
	for _, name := range r.names {
		if r.distros[name].Protocol == protocol {
			names = append(names, name)
		}
	}
	return names
}

// Lookup returns the distro with the given name.
func (r *Registry) Lookup(name string) (*Distro, bool) {
	d, ok := r.distros[name]
	return d, ok
}

// Root returns the local root of a distro, creating it if absent.
func (r *Registry) Root(name string) (string, error) {
	d, ok := r.distros[name]
	if !ok {
		return "", errors.New("no such distro: " + name)
	}

	_, err := os.Stat(d.Root)
	switch {
	case err == nil:
		return d.Root, nil
	case !os.IsNotExist(err):
		return "", errors.Wrap(err, "Root")
	}

	if err := os.MkdirAll(d.Root, 0750); err != nil {
		return "", errors.Wrap(err, "Root: "+name)
	}
	// the new dentry exists only in memory until the parent is synced
	if err := DirSync(r.dataPath); err != nil {
		return "", errors.Wrap(err, "Root: "+name)
	}
	return d.Root, nil
}

// Contains reports whether p, after resolving symlinks, stays within the
// data directory.
func (r *Registry) Contains(p string) bool {
	base, err := filepath.EvalSymlinks(r.dataPath)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return false
	}
	return validateSymlinkPath(resolved, base) == nil
}

// validateSymlinkPath validates that a resolved symlink path stays within the allowed base directory.
func validateSymlinkPath(resolvedPath, baseDir string) error {
	cleanResolved := filepath.Clean(resolvedPath)
	cleanBase := filepath.Clean(baseDir)

	rel, err := filepath.Rel(cleanBase, cleanResolved)
	if err != nil {
		return errors.Wrap(err, "validateSymlinkPath: failed to get relative path")
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.New("unsafe symlink: resolved path outside base directory")
	}

	return nil
}

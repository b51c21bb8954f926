/*
Package lsmirror keeps local copies of Linux distribution trees and publishes them.

lsmirror runs as a single daemon with two roles:
  - a sync scheduler that refreshes every distro with rsync at a fixed
    interval, bounded by a global limit on concurrent transfers
  - an HTTP server with directory listings and single or multi-range
    partial content

The main packages are:

	github.com/darknightghost/LinuxSourceMirror/internal/mirror     - Configuration, distro registry and data directory locking
	github.com/darknightghost/LinuxSourceMirror/internal/scheduler  - rsync process supervision and scheduling
	github.com/darknightghost/LinuxSourceMirror/internal/server     - HTTP content delivery
	github.com/darknightghost/LinuxSourceMirror/internal/daemon     - Protocol registry and daemon lifecycle
	github.com/darknightghost/LinuxSourceMirror/cmd/lsmirror        - Command-line interface
*/
package lsmirror

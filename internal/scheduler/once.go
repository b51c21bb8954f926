package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/darknightghost/LinuxSourceMirror/internal/metrics"
	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

// SyncOnce synchronizes each named distro exactly once, running at most
// cfg.MaxConnection processes at a time. Failed syncs are not retried.
//
// onDone, if not nil, is called as each distro finishes; calls may be
// concurrent. Cancelling ctx interrupts running processes and waits for them.
func SyncOnce(ctx context.Context, cfg *mirror.RsyncConfig, registry *mirror.Registry,
	names []string, onDone func(name string, status ExitStatus)) error {
	var distros []*mirror.Distro
	for _, name := range names {
		d, ok := registry.Lookup(name)
		if !ok {
			return errors.New("no such distro: " + name)
		}
		if d.Protocol != mirror.ProtocolRsync {
			return errors.New("distro " + name + " does not use rsync")
		}
		distros = append(distros, d)
	}
	return syncOnce(ctx, cfg.MaxConnection, distros, newRsyncLauncher(cfg, registry), onDone)
}

func syncOnce(ctx context.Context, limit int, distros []*mirror.Distro, launch launchFunc,
	onDone func(name string, status ExitStatus)) error {
	var (
		mu     sync.Mutex
		failed []string
	)

	group := new(errgroup.Group)
	group.SetLimit(limit)
	for _, d := range distros {
		group.Go(func() error {
			status := runOnce(ctx, d, launch)
			if !status.Success() {
				mu.Lock()
				failed = append(failed, d.Name)
				mu.Unlock()
			}
			if onDone != nil {
				onDone(d.Name, status)
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "synchronization interrupted")
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return errors.Newf("%d of %d distros failed to synchronize: %s",
			len(failed), len(distros), strings.Join(failed, ", "))
	}
	return nil
}

func runOnce(ctx context.Context, d *mirror.Distro, launch launchFunc) ExitStatus {
	if err := ctx.Err(); err != nil {
		return ExitStatus{Code: -1, Err: err}
	}

	proc, err := launch(d)
	if err != nil {
		slog.Error("failed to start synchronization", "distro", d.Name, "error", err)
		metrics.RecordSyncResult(d.Name, metrics.SyncSpawnError)
		return ExitStatus{Code: -1, Err: err}
	}
	metrics.RecordSyncLaunch(d.Name)
	slog.Info("synchronization started", "distro", d.Name)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := proc.Interrupt(); err != nil {
				slog.Warn("failed to interrupt synchronization", "distro", d.Name, "error", err)
			}
			waitOrKill(proc, d.Name, defaultKillGrace)
		case <-stop:
		}
	}()
	status := proc.Wait()
	close(stop)

	switch {
	case status.Success():
		slog.Info("distro synchronized", "distro", d.Name)
		metrics.RecordSyncResult(d.Name, metrics.SyncSuccess)
	case ctx.Err() != nil && status.Interrupted():
		slog.Info("synchronization process has been killed", "distro", d.Name)
		metrics.RecordSyncResult(d.Name, metrics.SyncInterrupted)
	default:
		logFailure(d, status)
		metrics.RecordSyncResult(d.Name, metrics.SyncFailure)
	}
	return status
}

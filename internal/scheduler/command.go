package scheduler

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

// rsync reports this code when it received SIGINT or SIGUSR1.
const rsyncExitInterrupted = 20

// rsyncExitReasons is the exit value table of rsync(1).
var rsyncExitReasons = map[int]string{
	1:  "syntax or usage error",
	2:  "protocol incompatibility",
	3:  "errors selecting input/output files, dirs",
	4:  "requested action not supported",
	5:  "error starting client-server protocol",
	6:  "daemon unable to append to log-file",
	10: "error in socket I/O",
	11: "error in file I/O",
	12: "error in rsync protocol data stream",
	13: "errors with program diagnostics",
	14: "error in IPC code",
	20: "received SIGUSR1 or SIGINT",
	21: "some error returned by waitpid()",
	22: "error allocating core memory buffers",
	23: "partial transfer due to error",
	24: "partial transfer due to vanished source files",
	25: "the --max-delete limit stopped deletions",
	30: "timeout in data send/receive",
	35: "timeout waiting for daemon connection",
}

// ExitReason returns the meaning of an rsync exit code, if known.
func ExitReason(code int) (string, bool) {
	reason, ok := rsyncExitReasons[code]
	return reason, ok
}

// RsyncCommand builds the argument vector that mirrors url into root.
//
// The destination gets a trailing slash so that the contents of the
// upstream tree land directly in the distro root.
func RsyncCommand(cfg *mirror.RsyncConfig, url, root string) []string {
	dest := root
	if !strings.HasSuffix(dest, "/") {
		dest += "/"
	}
	return []string{
		cfg.Exec,
		"-rtlvH",
		"--delete-after",
		"--delay-updates",
		"--safe-links",
		"--partial",
		"--contimeout=" + strconv.Itoa(cfg.ConnectTimeout),
		"--timeout=" + strconv.Itoa(cfg.Timeout),
		url,
		dest,
	}
}

// ExitStatus describes how a sync process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process did not exit normally.
	Code int
	// Signal is the signal that killed the process, if any.
	Signal syscall.Signal
	// Err is set when the process could not be waited for or never ran.
	Err error
}

// Success reports whether the process exited with code 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == 0 && s.Err == nil
}

// Interrupted reports whether the process ended because of an interrupt
// or termination request.
func (s ExitStatus) Interrupted() bool {
	if s.Signal != 0 {
		return s.Signal == syscall.SIGINT || s.Signal == syscall.SIGTERM
	}
	return s.Err == nil && s.Code == rsyncExitInterrupted
}

// Reason returns a human-readable explanation of the status.
func (s ExitStatus) Reason() string {
	switch {
	case s.Err != nil:
		return s.Err.Error()
	case s.Signal != 0:
		return "killed by signal: " + s.Signal.String()
	}
	if reason, ok := ExitReason(s.Code); ok {
		return reason
	}
	return ""
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return "error: " + s.Err.Error()
	case s.Signal != 0:
		return "signal " + s.Signal.String()
	}
	if reason, ok := ExitReason(s.Code); ok {
		return fmt.Sprintf("exit code %d (%s)", s.Code, reason)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// exitStatus converts the result of exec.Cmd.Wait.
func exitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	}
	return ExitStatus{Code: state.ExitCode()}
}

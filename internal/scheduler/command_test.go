package scheduler

import (
	"reflect"
	"syscall"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

func TestRsyncCommand(t *testing.T) {
	t.Parallel()

	cfg := mirror.DefaultRsyncConfig()
	cfg.Exec = "/usr/bin/rsync"
	cfg.ConnectTimeout = 15
	cfg.Timeout = 120

	got := RsyncCommand(&cfg, "rsync://mirrors.kernel.org/archlinux/", "/mirror/archlinux")
	want := []string{
		"/usr/bin/rsync",
		"-rtlvH",
		"--delete-after",
		"--delay-updates",
		"--safe-links",
		"--partial",
		"--contimeout=15",
		"--timeout=120",
		"rsync://mirrors.kernel.org/archlinux/",
		"/mirror/archlinux/",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RsyncCommand() =\n%v\nwant\n%v", got, want)
	}

	got = RsyncCommand(&cfg, "rsync://example.org/x/", "/mirror/x/")
	if got[len(got)-1] != "/mirror/x/" {
		t.Errorf("destination = %q, want a single trailing slash", got[len(got)-1])
	}
}

func TestExitReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   int
		want   string
		wantOK bool
	}{
		{5, "error starting client-server protocol", true},
		{23, "partial transfer due to error", true},
		{24, "partial transfer due to vanished source files", true},
		{35, "timeout waiting for daemon connection", true},
		{0, "", false},
		{99, "", false},
	}
	for _, tt := range tests {
		got, ok := ExitReason(tt.code)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ExitReason(%d) = %q, %v; want %q, %v", tt.code, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestExitStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		status          ExitStatus
		wantSuccess     bool
		wantInterrupted bool
		wantString      string
	}{
		{
			name:        "success",
			status:      ExitStatus{Code: 0},
			wantSuccess: true,
			wantString:  "exit code 0",
		},
		{
			name:       "known failure",
			status:     ExitStatus{Code: 23},
			wantString: "exit code 23 (partial transfer due to error)",
		},
		{
			name:       "unknown failure",
			status:     ExitStatus{Code: 42},
			wantString: "exit code 42",
		},
		{
			name:            "rsync interrupted",
			status:          ExitStatus{Code: 20},
			wantInterrupted: true,
			wantString:      "exit code 20 (received SIGUSR1 or SIGINT)",
		},
		{
			name:            "killed by SIGINT",
			status:          ExitStatus{Code: -1, Signal: syscall.SIGINT},
			wantInterrupted: true,
			wantString:      "signal interrupt",
		},
		{
			name:       "killed by SIGKILL",
			status:     ExitStatus{Code: -1, Signal: syscall.SIGKILL},
			wantString: "signal killed",
		},
		{
			name:       "wait error",
			status:     ExitStatus{Code: -1, Err: errors.New("boom")},
			wantString: "error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Success(); got != tt.wantSuccess {
				t.Errorf("Success() = %v, want %v", got, tt.wantSuccess)
			}
			if got := tt.status.Interrupted(); got != tt.wantInterrupted {
				t.Errorf("Interrupted() = %v, want %v", got, tt.wantInterrupted)
			}
			if got := tt.status.String(); got != tt.wantString {
				t.Errorf("String() = %q, want %q", got, tt.wantString)
			}
		})
	}
}

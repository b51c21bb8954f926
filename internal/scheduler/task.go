package scheduler

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Process is a running sync process as seen by the scheduler.
type Process interface {
	// Poll reports the exit status without blocking.
	Poll() (ExitStatus, bool)
	// Interrupt asks the process to stop. It is a no-op once the process exited.
	Interrupt() error
	// Kill forcibly ends the process and everything it spawned.
	Kill() error
	// Wait blocks until the process exited. It may be called repeatedly.
	Wait() ExitStatus
}

// Task supervises one external sync process.
type Task struct {
	distro string
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
}

// StartTask spawns argv for distro with its standard streams bound to the
// null device and in a process group of its own, so that terminal signals
// reach only the daemon.
func StartTask(distro string, argv []string) (*Task, error) {
	if len(argv) == 0 {
		return nil, errors.New("StartTask: empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 - argv comes from the daemon configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start sync of %s", distro)
	}

	t := &Task{
		distro: distro,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go t.reap()
	return t, nil
}

func (t *Task) reap() {
	err := t.cmd.Wait()
	t.status = exitStatus(t.cmd, err)
	close(t.done)
}

// Distro returns the name of the distro the task synchronizes.
func (t *Task) Distro() string {
	return t.distro
}

// Pid returns the process id of the sync process.
func (t *Task) Pid() int {
	return t.cmd.Process.Pid
}

// Poll implements Process.
func (t *Task) Poll() (ExitStatus, bool) {
	select {
	case <-t.done:
		return t.status, true
	default:
		return ExitStatus{}, false
	}
}

// Interrupt implements Process.
func (t *Task) Interrupt() error {
	select {
	case <-t.done:
		return nil
	default:
	}

	err := t.cmd.Process.Signal(os.Interrupt)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "interrupt sync of %s", t.distro)
	}
	return nil
}

// Kill implements Process. It sends SIGKILL to the whole process group.
func (t *Task) Kill() error {
	select {
	case <-t.done:
		return nil
	default:
	}

	err := syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "kill sync of %s", t.distro)
	}
	return nil
}

// Wait implements Process.
func (t *Task) Wait() ExitStatus {
	<-t.done
	return t.status
}

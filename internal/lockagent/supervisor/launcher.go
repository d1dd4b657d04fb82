package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/autopeer-io/lockagent/internal/lockagent/module"
	"github.com/autopeer-io/lockagent/pkg/log"
)

// Launcher starts control module processes.
type Launcher interface {
	Launch(ctx context.Context, m *module.ControlModule) (Process, error)
}

// Process is a running control module.
type Process interface {
	PID() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err is the exit status after Done is closed; nil for a clean exit.
	Err() error

	// Stop asks the process to terminate and kills it after timeout. It
	// returns once the process is gone.
	Stop(timeout time.Duration) error
}

// ExecLauncher runs a module file through an interpreter.
type ExecLauncher struct {
	// Interpreter is prepended to the module path.
	Interpreter []string

	// Dir is the working directory of the process.
	Dir string

	// Env is appended to the agent's own environment.
	Env []string
}

func (l *ExecLauncher) Launch(_ context.Context, m *module.ControlModule) (Process, error) {
	if m == nil || m.Path == "" {
		return nil, errors.New("no module to launch")
	}
	if _, err := os.Stat(m.Path); err != nil {
		return nil, err
	}

	var name string
	args := []string{}
	if len(l.Interpreter) == 0 {
		name = m.Path
	} else {
		name = l.Interpreter[0]
		args = append(args, l.Interpreter[1:]...)
		args = append(args, m.Path)
	}

	// Not bound to a context: the supervisor decides when the process goes.
	cmd := exec.Command(name, args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	setProcessGroup(cmd)

	logger := log.WithName("module").WithValues("digest", m.ShortDigest(), "source", m.Source)
	stdout := &lineWriter{emit: func(line string) { logger.Info(line, "stream", "stdout") }}
	stderr := &lineWriter{emit: func(line string) { logger.Warn(line, "stream", "stderr") }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes open must not stall Wait.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Stop(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("Failed to signal control module", "pid", p.PID(), "err", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	log.Warn("Control module ignored termination, killing it", "pid", p.PID(), "timeout", timeout)
	if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

// lineWriter splits a byte stream into lines for the logger.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

const maxLineBytes = 4096

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emitLine(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.emitLine(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emitLine(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emitLine(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	if line != "" {
		w.emit(line)
	}
}

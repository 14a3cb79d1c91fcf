package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// StopResult is the outcome of a Stop request.
type StopResult int

const (
	// StopOk means this call honored the stop: the kill trigger fired and
	// the job was Running beforehand.
	StopOk StopResult = iota
	// StopAlreadyStopped means a prior Stop already fired the kill trigger,
	// or the job had already reached a terminal status on its own.
	StopAlreadyStopped
)

func (r StopResult) String() string {
	if r == StopOk {
		return "ok"
	}
	return "already-stopped"
}

// workerCmd is the message type accepted by a Worker's inbox. getStatusCmd
// and stopCmd are its only two variants.
type workerCmd any

type getStatusCmd struct {
	reply chan Status
}

type stopCmd struct {
	reply chan StopResult
}

// WorkerHandle is a cheap-to-copy reference to a running Worker actor. All
// mutable state lives in the actor's goroutine; the handle is only a
// channel send endpoint.
type WorkerHandle struct {
	inbox chan workerCmd
}

// spawnWorker spawns program as a child process with the given args,
// working directory, and environment, wires its stdout/stderr to outputTx,
// and starts the cooperating goroutines described in SPEC_FULL.md §4.1
// (wait, supervisor, two readers, output closer, dispatcher). outputTx is closed once both readers have hit EOF or error.
//
// Spawn failures are returned synchronously; no goroutines are started and
// outputTx is left untouched.
func spawnWorker(
	log *zap.SugaredLogger,
	cfg Config,
	program Program,
	args Args,
	dir Dir,
	envs []EnvVar,
	outputTx chan<- OutputChunk,
) (*WorkerHandle, error) {
	cmd := exec.Command(program, args...)
	cmd.Dir = dir
	cmd.Env = Environ(envs)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child has its own copy of the write ends; the parent's copies
	// must be closed regardless of whether Start succeeded, or reads on
	// the read ends will never see EOF.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("worker: start %q: %w", program, startErr)
	}

	inbox := make(chan workerCmd)
	killCh := make(chan struct{})
	waitResult := make(chan error, 1)
	statusCh := make(chan Status, 1)

	go func() { waitResult <- cmd.Wait() }()
	go runSupervisor(cmd, killCh, waitResult, statusCh, log)

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go runReader(Stdout, stdoutR, outputTx, cfg.ReadBufferCapacity, stdoutDone, log)
	go runReader(Stderr, stderrR, outputTx, cfg.ReadBufferCapacity, stderrDone, log)
	go func() {
		<-stdoutDone
		<-stderrDone
		close(outputTx)
	}()

	go runDispatcher(inbox, killCh, statusCh, log)

	return &WorkerHandle{inbox: inbox}, nil
}

// GetStatus returns the job's current status. It never fails while the
// worker is alive; a non-nil error means ctx was canceled before a reply
// arrived.
func (h *WorkerHandle) GetStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case h.inbox <- getStatusCmd{reply: reply}:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Stop requests termination. It succeeds (StopOk) iff the job is Running
// and no prior Stop has been honored; otherwise StopAlreadyStopped. Firing
// the kill trigger is non-blocking: Stop does not wait for the child to
// actually die.
func (h *WorkerHandle) Stop(ctx context.Context) (StopResult, error) {
	reply := make(chan StopResult, 1)
	select {
	case h.inbox <- stopCmd{reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close drops this handle. If this is the only reference to the worker,
// the worker fires its kill trigger (if still present) and exits once
// wait has returned, so no orphaned OS process survives. Close must be
// called at most once per worker.
func (h *WorkerHandle) Close() {
	close(h.inbox)
}

// runSupervisor owns the child handle, waits on it, and derives the
// terminal Status once wait completes. A fired kill trigger issues a
// SIGKILL; wait still proceeds to completion either way.
func runSupervisor(cmd *exec.Cmd, killCh <-chan struct{}, waitResult <-chan error, statusCh chan<- Status, log *zap.SugaredLogger) {
	for {
		select {
		case <-killCh:
			if err := cmd.Process.Signal(unix.SIGKILL); err != nil {
				log.Debugw("signal child", "pid", cmd.Process.Pid, "error", err)
			}
			killCh = nil // one-shot: stop selecting a channel that only ever fires once
		case err := <-waitResult:
			status := deriveStatus(err)
			statusCh <- status
			close(statusCh)
			log.Infow("child terminated", "pid", cmd.Process.Pid, "status", status)
			return
		}
	}
}

// deriveStatus turns the result of cmd.Wait() into a terminal Status. A
// wait error that isn't an *exec.ExitError means the wait syscall itself
// failed, which is a non-recoverable programming/OS fault (impossible on
// supported POSIX for the process we actually started).
func deriveStatus(waitErr error) Status {
	if waitErr == nil {
		return Exited(0)
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		panic(fmt.Sprintf("job: wait failed: %v", waitErr))
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		panic(fmt.Sprintf("job: unsupported process state: %#v", exitErr.Sys()))
	}
	// Prefer signal over exit code when both could in principle be read,
	// matching the reference policy; on POSIX only one is ever set.
	if ws.Signaled() {
		return Killed(int32(ws.Signal()))
	}
	return Exited(int32(ws.ExitStatus()))
}

// runReader loops reading r into a reusable buffer, emitting each
// non-empty read as an OutputChunk. EOF is the expected terminator and is
// not logged as an error; any other read error closes the reader silently
// at Debug level.
func runReader(stream StreamKind, r io.ReadCloser, outputTx chan<- OutputChunk, bufCap int, done chan<- struct{}, log *zap.SugaredLogger) {
	defer close(done)
	defer r.Close()

	buf := make([]byte, bufCap)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			outputTx <- OutputChunk{Stream: stream, Data: chunk}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("reader stopped", "stream", stream, "error", err)
			}
			return
		}
	}
}

// runDispatcher is the Worker actor's command loop: it services the inbox
// and tracks the cached Status reported by the supervisor. Status and
// killFired are touched only from this goroutine, so neither needs a
// lock.
func runDispatcher(inbox chan workerCmd, killCh chan struct{}, statusCh <-chan Status, log *zap.SugaredLogger) {
	status := Running()
	killFired := false

	fireKill := func() {
		if !killFired {
			killFired = true
			close(killCh)
		}
	}

	for {
		select {
		case cmd, ok := <-inbox:
			if !ok {
				// Last handle dropped: make sure the child is killed before
				// we exit, then wait for the supervisor to confirm.
				fireKill()
				if !status.Terminal() {
					if s, ok := <-statusCh; ok {
						status = s
					}
				}
				return
			}
			switch c := cmd.(type) {
			case getStatusCmd:
				c.reply <- status
			case stopCmd:
				if status.Terminal() || killFired {
					c.reply <- StopAlreadyStopped
				} else {
					fireKill()
					c.reply <- StopOk
				}
			default:
				log.Errorw("unknown worker command", "type", fmt.Sprintf("%T", cmd))
			}
		case s, ok := <-statusCh:
			if ok {
				status = s
				log.Debugw("worker status updated", "status", status)
			}
			statusCh = nil // consumed the single terminal status; stop polling
		}
	}
}

package job

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// entry is everything the Coordinator keeps for one job.
type entry struct {
	worker      *WorkerHandle
	broadcaster *BroadcasterHandle
}

// coordinatorCmd is the message type accepted by the Coordinator's inbox.
type coordinatorCmd any

type startJobCmd struct {
	program Program
	args    Args
	dir     Dir
	envs    []EnvVar
	reply   chan startJobResult
}

type startJobResult struct {
	id  ID
	err error
}

type stopJobCmd struct {
	id    ID
	reply chan error
}

type getStatusCoordCmd struct {
	id    ID
	reply chan getStatusResult
}

type getStatusResult struct {
	status Status
	err    error
}

type streamKindCmd int

const (
	streamStdoutKind streamKindCmd = iota
	streamStderrKind
	streamAllKind
)

type streamCoordCmd struct {
	ctx   context.Context
	id    ID
	kind  streamKindCmd
	reply chan streamResult
}

type streamResult struct {
	out <-chan OutputBlob
	err error
}

// Coordinator is the process-wide directory of jobs and the single entry
// point for every engine request. Construct with NewCoordinator.
type Coordinator struct {
	inbox chan coordinatorCmd
	log   *zap.SugaredLogger
	cfg   Config
}

// NewCoordinator starts the Coordinator's dispatcher goroutine and returns
// a handle. log must not be nil.
func NewCoordinator(log *zap.SugaredLogger, cfg Config) *Coordinator {
	if log == nil {
		panic("job: NewCoordinator requires a non-nil logger")
	}
	c := &Coordinator{
		inbox: make(chan coordinatorCmd, cfg.CoordinatorInboxCapacity),
		log:   log,
		cfg:   cfg,
	}
	go c.run()
	return c
}

// Close drops this Coordinator's handle. Outstanding Workers and
// Broadcasters are unaffected; each runs on its own goroutine with its own
// lifecycle. Close must be called at most once.
func (c *Coordinator) Close() {
	close(c.inbox)
}

// StartJob spawns program as a child process, attaches a Broadcaster to
// capture its output, registers both under a fresh job.ID, and returns
// that id. A spawn failure is returned with the originating OS error
// preserved for errors.Is/errors.As, and no job is registered.
func (c *Coordinator) StartJob(ctx context.Context, program Program, args Args, dir Dir, envs []EnvVar) (ID, error) {
	reply := make(chan startJobResult, 1)
	cmd := startJobCmd{program: program, args: args, dir: dir, envs: envs, reply: reply}
	if err := c.send(ctx, cmd); err != nil {
		return ID{}, err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return ID{}, ctx.Err()
	}
}

// StopJob requests termination of the named job. It returns
// ErrJobNotFound if id is unknown, ErrAlreadyStopped if the job's
// terminal transition has already begun or completed or a prior Stop has
// already been honored, or nil.
func (c *Coordinator) StopJob(ctx context.Context, id ID) error {
	reply := make(chan error, 1)
	cmd := stopJobCmd{id: id, reply: reply}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns the current status of the named job, or
// ErrJobNotFound if id is unknown.
func (c *Coordinator) GetStatus(ctx context.Context, id ID) (Status, error) {
	reply := make(chan getStatusResult, 1)
	cmd := getStatusCoordCmd{id: id, reply: reply}
	if err := c.send(ctx, cmd); err != nil {
		return Status{}, err
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// StreamStdout returns a channel delivering the named job's Stdout
// history followed by its live Stdout output, or ErrJobNotFound.
func (c *Coordinator) StreamStdout(ctx context.Context, id ID) (<-chan OutputBlob, error) {
	return c.stream(ctx, id, streamStdoutKind)
}

// StreamStderr is the Stderr-filtered symmetric counterpart of StreamStdout.
func (c *Coordinator) StreamStderr(ctx context.Context, id ID) (<-chan OutputBlob, error) {
	return c.stream(ctx, id, streamStderrKind)
}

// StreamAll returns a channel delivering the named job's full combined
// history followed by its live combined output, or ErrJobNotFound.
func (c *Coordinator) StreamAll(ctx context.Context, id ID) (<-chan OutputBlob, error) {
	return c.stream(ctx, id, streamAllKind)
}

func (c *Coordinator) stream(ctx context.Context, id ID, kind streamKindCmd) (<-chan OutputBlob, error) {
	reply := make(chan streamResult, 1)
	cmd := streamCoordCmd{ctx: ctx, id: id, kind: kind, reply: reply}
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send delivers cmd to the Coordinator's inbox, respecting both ctx and
// backpressure from the bounded inbox.
func (c *Coordinator) send(ctx context.Context, cmd coordinatorCmd) error {
	select {
	case c.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the Coordinator actor's command loop. jobs is touched only from
// this goroutine, so it needs no lock.
func (c *Coordinator) run() {
	jobs := make(map[ID]entry)

	for cmd := range c.inbox {
		switch cmd := cmd.(type) {
		case startJobCmd:
			c.handleStartJob(jobs, cmd)
		case stopJobCmd:
			c.handleStopJob(jobs, cmd)
		case getStatusCoordCmd:
			c.handleGetStatus(jobs, cmd)
		case streamCoordCmd:
			c.handleStream(jobs, cmd)
		default:
			c.log.Errorw("unknown coordinator command", "type", fmt.Sprintf("%T", cmd))
		}
	}
	c.log.Infow("coordinator stopped", "jobs", len(jobs))
}

func (c *Coordinator) handleStartJob(jobs map[ID]entry, cmd startJobCmd) {
	// The Worker's output channel must never apply backpressure to a
	// reader goroutine: the Coordinator inbox is the engine's only
	// bounded channel (see Config.CoordinatorInboxCapacity). Backed by
	// the same unbounded pump used for per-subscriber delivery.
	outputTx, outputRx := newUnboundedQueue[OutputChunk]()
	worker, err := spawnWorker(c.log, c.cfg, cmd.program, cmd.args, cmd.dir, cmd.envs, outputTx)
	if err != nil {
		close(outputTx)
		cmd.reply <- startJobResult{err: fmt.Errorf("job: start %q: %w", cmd.program, err)}
		return
	}
	broadcaster := spawnBroadcaster(c.log, outputRx)

	id := NewID()
	jobs[id] = entry{worker: worker, broadcaster: broadcaster}
	c.log.Infow("job started", "id", id, "program", cmd.program, "args", cmd.args)
	cmd.reply <- startJobResult{id: id}
}

func (c *Coordinator) handleStopJob(jobs map[ID]entry, cmd stopJobCmd) {
	e, ok := jobs[cmd.id]
	if !ok {
		cmd.reply <- fmt.Errorf("job: stop %s: %w", cmd.id, ErrJobNotFound)
		return
	}
	result, err := e.worker.Stop(context.Background())
	if err != nil {
		cmd.reply <- err
		return
	}
	if result == StopAlreadyStopped {
		cmd.reply <- ErrAlreadyStopped
		return
	}
	c.log.Infow("job stopped", "id", cmd.id)
	cmd.reply <- nil
}

func (c *Coordinator) handleGetStatus(jobs map[ID]entry, cmd getStatusCoordCmd) {
	e, ok := jobs[cmd.id]
	if !ok {
		cmd.reply <- getStatusResult{err: fmt.Errorf("job: status %s: %w", cmd.id, ErrJobNotFound)}
		return
	}
	status, err := e.worker.GetStatus(context.Background())
	cmd.reply <- getStatusResult{status: status, err: err}
}

func (c *Coordinator) handleStream(jobs map[ID]entry, cmd streamCoordCmd) {
	e, ok := jobs[cmd.id]
	if !ok {
		cmd.reply <- streamResult{err: fmt.Errorf("job: stream %s: %w", cmd.id, ErrJobNotFound)}
		return
	}
	var out <-chan OutputBlob
	var err error
	switch cmd.kind {
	case streamStdoutKind:
		out, err = e.broadcaster.StreamStdout(cmd.ctx)
	case streamStderrKind:
		out, err = e.broadcaster.StreamStderr(cmd.ctx)
	default:
		out, err = e.broadcaster.StreamAll(cmd.ctx)
	}
	cmd.reply <- streamResult{out: out, err: err}
}

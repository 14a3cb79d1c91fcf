package job

import (
	"context"

	"go.uber.org/zap"
)

// allStreams is the stream filter value used by StreamAll; it matches
// every OutputChunk regardless of stream.
const allStreams = -1

// streamCmd is the message a caller sends to a Broadcaster's inbox to
// subscribe to a job's output.
type streamCmd struct {
	ctx    context.Context
	filter int // Stdout, Stderr, or allStreams
	reply  chan (<-chan OutputBlob)
}

// subscriber is a registered consumer of one or both streams. It is
// referenced by pointer from both stdoutSubs and stderrSubs so a
// StreamAll subscription -- which lives in both lists -- is evicted and
// closed exactly once no matter which list notices the cancellation
// first.
type subscriber struct {
	ctx    context.Context
	in     chan<- OutputBlob
	closed bool
}

// BroadcasterHandle is a cheap-to-copy reference to a running Broadcaster
// actor.
type BroadcasterHandle struct {
	inbox chan streamCmd
}

// spawnBroadcaster starts a Broadcaster that consumes outputRx, retains
// full history, and fans each chunk out to registered subscribers,
// filtered by stream.
func spawnBroadcaster(log *zap.SugaredLogger, outputRx <-chan OutputChunk) *BroadcasterHandle {
	inbox := make(chan streamCmd)
	go runBroadcaster(inbox, outputRx, log)
	return &BroadcasterHandle{inbox: inbox}
}

// StreamStdout delivers the Stdout-filtered history immediately, then
// registers the returned channel for future Stdout chunks.
func (h *BroadcasterHandle) StreamStdout(ctx context.Context) (<-chan OutputBlob, error) {
	return h.stream(ctx, int(Stdout))
}

// StreamStderr is the Stderr-filtered symmetric counterpart of StreamStdout.
func (h *BroadcasterHandle) StreamStderr(ctx context.Context) (<-chan OutputBlob, error) {
	return h.stream(ctx, int(Stderr))
}

// StreamAll delivers the full history in recorded order, then registers
// the returned channel on both streams.
func (h *BroadcasterHandle) StreamAll(ctx context.Context) (<-chan OutputBlob, error) {
	return h.stream(ctx, allStreams)
}

// Close drops this handle's hold on the Broadcaster's inbox. The actor
// keeps forwarding any output already in flight until the Worker's output
// channel also closes. Close must be called at most once per broadcaster.
func (h *BroadcasterHandle) Close() {
	close(h.inbox)
}

func (h *BroadcasterHandle) stream(ctx context.Context, filter int) (<-chan OutputBlob, error) {
	reply := make(chan (<-chan OutputBlob), 1)
	select {
	case h.inbox <- streamCmd{ctx: ctx, filter: filter, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runBroadcaster is the Broadcaster actor's command loop. history,
// stdoutSubs, and stderrSubs are touched only from this goroutine.
func runBroadcaster(inbox chan streamCmd, outputRx <-chan OutputChunk, log *zap.SugaredLogger) {
	var history []OutputChunk
	var stdoutSubs, stderrSubs []*subscriber

	for inbox != nil || outputRx != nil {
		select {
		case cmd, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			handleStream(cmd, history, &stdoutSubs, &stderrSubs, outputRx != nil)

		case chunk, ok := <-outputRx:
			if !ok {
				closeAllSubs(stdoutSubs, stderrSubs)
				stdoutSubs, stderrSubs = nil, nil
				outputRx = nil
				log.Debugw("broadcaster output closed", "history", len(history))
				continue
			}
			history = append(history, chunk)
			switch chunk.Stream {
			case Stdout:
				stdoutSubs = broadcastTo(log, "stdout", stdoutSubs, chunk.Data)
			case Stderr:
				stderrSubs = broadcastTo(log, "stderr", stderrSubs, chunk.Data)
			}
		}
	}
}

// handleStream replays the history prefix matching cmd's filter onto a
// fresh unbounded queue, hands the consumer side back to the caller, and
// -- unless output has already closed -- registers the producer side as a
// live subscriber. Because this runs inside the single dispatcher
// goroutine, the replay and the registration are atomic with respect to
// concurrently arriving output: no chunk can be delivered twice or
// skipped.
func handleStream(cmd streamCmd, history []OutputChunk, stdoutSubs, stderrSubs *[]*subscriber, outputOpen bool) {
	in, out := newUnboundedQueue[OutputBlob]()
	for _, c := range history {
		if c.matches(cmd.filter) {
			in <- c.Data
		}
	}
	cmd.reply <- out

	if !outputOpen {
		close(in)
		return
	}

	sub := &subscriber{ctx: cmd.ctx, in: in}
	switch cmd.filter {
	case int(Stdout):
		*stdoutSubs = append(*stdoutSubs, sub)
	case int(Stderr):
		*stderrSubs = append(*stderrSubs, sub)
	default:
		*stdoutSubs = append(*stdoutSubs, sub)
		*stderrSubs = append(*stderrSubs, sub)
	}
}

// broadcastTo delivers blob to every still-alive subscriber in subs,
// evicting (and closing) any whose context has been canceled, and returns
// the pruned slice.
func broadcastTo(log *zap.SugaredLogger, stream string, subs []*subscriber, blob OutputBlob) []*subscriber {
	alive := subs[:0]
	for _, s := range subs {
		if s.closed {
			// Already evicted via the other list (StreamAll subscribers
			// live in both).
			continue
		}
		select {
		case <-s.ctx.Done():
			close(s.in)
			s.closed = true
			log.Debugw("subscriber evicted", "stream", stream, "reason", s.ctx.Err())
			continue
		default:
		}
		s.in <- blob
		alive = append(alive, s)
	}
	return alive
}

// closeAllSubs closes every still-open subscriber queue exactly once,
// even though a StreamAll subscriber's producer channel appears in both
// lists.
func closeAllSubs(stdoutSubs, stderrSubs []*subscriber) {
	for _, s := range stdoutSubs {
		if !s.closed {
			close(s.in)
			s.closed = true
		}
	}
	for _, s := range stderrSubs {
		if !s.closed {
			close(s.in)
			s.closed = true
		}
	}
}

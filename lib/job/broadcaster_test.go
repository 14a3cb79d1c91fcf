package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, out <-chan OutputBlob, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(timeout)
	for {
		select {
		case b, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, b...)
		case <-deadline:
			t.Fatal("timed out waiting for stream to end")
		}
	}
}

func TestBroadcaster_EchoThenDrain(t *testing.T) {
	t.Parallel()

	outputTx := make(chan OutputChunk, 16)
	_, err := spawnWorker(testLogger(t), DefaultConfig(), "echo", []string{"-n", "hello world!"}, "/tmp", nil, outputTx)
	require.NoError(t, err)

	b := spawnBroadcaster(testLogger(t), outputTx)
	out, err := b.StreamAll(context.Background())
	require.NoError(t, err)

	require.Equal(t, "hello world!", string(collect(t, out, time.Second)))
}

func TestBroadcaster_LateJoinerSeesFullHistory(t *testing.T) {
	t.Parallel()

	outputTx := make(chan OutputChunk, 16)
	_, err := spawnWorker(testLogger(t), DefaultConfig(), "sh", []string{"-c", "printf A; sleep 0.3; printf B"}, "/tmp", nil, outputTx)
	require.NoError(t, err)

	b := spawnBroadcaster(testLogger(t), outputTx)

	early, err := b.StreamAll(context.Background())
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	late, err := b.StreamAll(context.Background())
	require.NoError(t, err)

	require.Equal(t, "AB", string(collect(t, early, 2*time.Second)))
	require.Equal(t, "AB", string(collect(t, late, 2*time.Second)))
}

func TestBroadcaster_FanOutManySubscribers(t *testing.T) {
	t.Parallel()

	outputTx := make(chan OutputChunk, 16)
	_, err := spawnWorker(testLogger(t), DefaultConfig(), "echo", []string{"-n", "hello world!"}, "/tmp", nil, outputTx)
	require.NoError(t, err)

	b := spawnBroadcaster(testLogger(t), outputTx)

	const subscribers = 3600
	var wg sync.WaitGroup
	wg.Add(subscribers)
	for i := 0; i < subscribers; i++ {
		out, err := b.StreamAll(context.Background())
		require.NoError(t, err)
		go func(out <-chan OutputBlob) {
			defer wg.Done()
			got := collect(t, out, 10*time.Second)
			require.Equal(t, "hello world!", string(got))
			time.Sleep(time.Second)
		}(out)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscribers did not all finish within 10s")
	}
}

func TestBroadcaster_CanceledSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	outputTx := make(chan OutputChunk, 16)
	_, err := spawnWorker(testLogger(t), DefaultConfig(), "sh", []string{"-c", "printf A; sleep 0.2; printf B"}, "/tmp", nil, outputTx)
	require.NoError(t, err)

	b := spawnBroadcaster(testLogger(t), outputTx)

	cancelCtx, cancel := context.WithCancel(context.Background())
	canceled, err := b.StreamAll(cancelCtx)
	require.NoError(t, err)
	survivor, err := b.StreamAll(context.Background())
	require.NoError(t, err)

	<-canceled // consume the replayed "A" before dropping interest
	cancel()

	require.Equal(t, "AB", string(collect(t, survivor, 2*time.Second)))
}

func TestBroadcaster_StdoutStderrFilters(t *testing.T) {
	t.Parallel()

	outputTx := make(chan OutputChunk, 16)
	_, err := spawnWorker(testLogger(t), DefaultConfig(), "sh", []string{"-c", "printf out; printf err >&2"}, "/tmp", nil, outputTx)
	require.NoError(t, err)

	b := spawnBroadcaster(testLogger(t), outputTx)

	stdout, err := b.StreamStdout(context.Background())
	require.NoError(t, err)
	stderr, err := b.StreamStderr(context.Background())
	require.NoError(t, err)

	require.Equal(t, "out", string(collect(t, stdout, 2*time.Second)))
	require.Equal(t, "err", string(collect(t, stderr, 2*time.Second)))
}

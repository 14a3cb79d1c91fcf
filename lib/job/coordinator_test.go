package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoordinator_StartJobAndStreamAll(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(testLogger(t), DefaultConfig())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := c.StartJob(ctx, "echo", []string{"-n", "hello world!"}, "/tmp", nil)
	require.NoError(t, err)

	out, err := c.StreamAll(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello world!", string(collect(t, out, time.Second)))
}

func TestCoordinator_UnknownJobID(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(testLogger(t), DefaultConfig())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unknown := NewID()

	_, err := c.GetStatus(ctx, unknown)
	require.True(t, errors.Is(err, ErrJobNotFound))

	err = c.StopJob(ctx, unknown)
	require.True(t, errors.Is(err, ErrJobNotFound))

	_, err = c.StreamAll(ctx, unknown)
	require.True(t, errors.Is(err, ErrJobNotFound))
}

func TestCoordinator_StartJobMissingProgram(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(testLogger(t), DefaultConfig())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.StartJob(ctx, "does_not_exist_xyz", nil, "/tmp", nil)
	require.Error(t, err)
}

func TestCoordinator_SleepStatusTransitionsAndStop(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(testLogger(t), DefaultConfig())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	long, err := c.StartJob(ctx, "sleep", []string{"1000"}, "/tmp", nil)
	require.NoError(t, err)
	short, err := c.StartJob(ctx, "sleep", []string{"1"}, "/tmp", nil)
	require.NoError(t, err)

	status, err := c.GetStatus(ctx, long)
	require.NoError(t, err)
	require.Equal(t, Running(), status)

	require.Eventually(t, func() bool {
		s, err := c.GetStatus(ctx, short)
		return err == nil && s == Exited(0)
	}, 3*time.Second, 20*time.Millisecond)

	status, err = c.GetStatus(ctx, long)
	require.NoError(t, err)
	require.Equal(t, Running(), status)

	require.NoError(t, c.StopJob(ctx, long))

	require.Eventually(t, func() bool {
		s, err := c.GetStatus(ctx, long)
		return err == nil && s == Killed(9)
	}, 2*time.Second, 20*time.Millisecond)

	err = c.StopJob(ctx, long)
	require.True(t, errors.Is(err, ErrAlreadyStopped))
}

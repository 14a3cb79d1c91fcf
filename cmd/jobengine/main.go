// Command jobengine hosts the job management engine as a standalone
// process. It has no wire layer of its own -- no gRPC, no mTLS -- that is
// explicitly the concern of an upstream RPC service this engine is built
// to be driven by. What it does do is exercise the engine end to end: it
// starts one demo job from its configuration, tails its combined output
// to the log in the background until the job's output stream ends, and
// meanwhile waits for an OS signal to shut down in an orderly way.
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/dustinevan/jobrunner/lib/job"
	"github.com/dustinevan/jobrunner/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	log, err := logger.New("JOBENGINE")
	if err != nil {
		stdlog.Fatalf("setting up logger: %v", err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatalf("running: %v", err)
	}
	log.Info("stopping service")
}

func run(log *zap.SugaredLogger) error {
	log.Infow("starting service", "configuration", "initializing")

	cfg := struct {
		Engine struct {
			CoordinatorInboxCapacity int `conf:"env:JOBENGINE_COORDINATOR_INBOX_CAPACITY,default:1024"`
			ReadBufferCapacity       int `conf:"env:JOBENGINE_READ_BUFFER_CAPACITY,default:4096"`
		}
		Demo struct {
			Program string `conf:"env:JOBENGINE_DEMO_PROGRAM,default:echo"`
			Args    string `conf:"env:JOBENGINE_DEMO_ARGS,default:hello from jobengine"`
			Dir     string `conf:"env:JOBENGINE_DEMO_DIR,default:/tmp"`
		}
		Shutdown struct {
			Timeout time.Duration `conf:"env:JOBENGINE_SHUTDOWN_TIMEOUT,default:5s"`
		}
	}{}

	log.Infow("starting service", "configuration", "parsing")

	help, err := conf.Parse("", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	cfgString, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("config to string: %w", err)
	}
	log.Infow("starting service", "configuration\n", cfgString)

	engineCfg := job.Config{
		CoordinatorInboxCapacity: cfg.Engine.CoordinatorInboxCapacity,
		ReadBufferCapacity:       cfg.Engine.ReadBufferCapacity,
	}

	coordinator := job.NewCoordinator(log, engineCfg)
	defer coordinator.Close()

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGINT, syscall.SIGTERM)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStart()

	id, err := coordinator.StartJob(startCtx, cfg.Demo.Program, []string{cfg.Demo.Args}, cfg.Demo.Dir, nil)
	if err != nil {
		log.Errorw("demo job failed to start", "error", err)
	} else {
		log.Infow("demo job started", "id", id)
		go tailDemoJob(log, coordinator, id)
	}

	sig := <-terminate
	log.Infow("stopping service", "signal", sig)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancelStop()
	if id != (job.ID{}) {
		if err := coordinator.StopJob(stopCtx, id); err != nil && !errors.Is(err, job.ErrAlreadyStopped) {
			log.Errorw("demo job stop failed", "id", id, "error", err)
		}
	}

	return nil
}

// tailDemoJob streams the demo job's combined output to the log until the
// stream ends, logging one line per chunk.
func tailDemoJob(log *zap.SugaredLogger, coordinator *job.Coordinator, id job.ID) {
	out, err := coordinator.StreamAll(context.Background(), id)
	if err != nil {
		log.Errorw("demo job stream failed", "id", id, "error", err)
		return
	}
	for blob := range out {
		log.Infow("demo job output", "id", id, "bytes", string(blob))
	}
	log.Infow("demo job stream ended", "id", id)
}

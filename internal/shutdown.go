package internal

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type GracefulShutdownHandler interface {
	Shutdown()          // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool // Quickly checks if a shutdown is in progress.
	Wait()              // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	quit         chan os.Signal
	shuttingDown chan bool
	wg           sync.WaitGroup
}

// NewGracefulShutdown installs a SIGINT/SIGTERM handler. onShutdown runs once a
// signal is received (or Shutdown is called) and has 30 seconds to complete
// before the process exits hard.
func NewGracefulShutdown(onShutdown func() error) GracefulShutdownHandler {
	gs := &gracefulShutdown{
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan bool, 1),
	}
	gs.wg.Add(1)

	go func() {
		defer gs.wg.Done()
		signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-gs.quit
		gs.shuttingDown <- true
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		if onShutdown != nil {
			timeout := 30 * time.Second
			go func(t time.Duration) {
				<-time.After(t)
				zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", t)
				_ = zap.S().Sync()
				os.Exit(1)
			}(timeout)
			if err := onShutdown(); err != nil {
				zap.S().Errorw("Error during shutdown", "error", err)
				_ = zap.S().Sync()
				os.Exit(1)
			}
		}
		_ = zap.S().Sync()
	}()
	return gs
}

func (gs *gracefulShutdown) Shutdown() {
	gs.quit <- syscall.SIGTERM
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	select {
	case v := <-gs.shuttingDown:
		// put it back so repeated checks keep working
		gs.shuttingDown <- v
		return v
	default:
		return false
	}
}

func (gs *gracefulShutdown) Wait() {
	gs.wg.Wait()
}

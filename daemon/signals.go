package daemon

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/danielpaulus/gandalf/tunnels"
)

// Run drives the engine's lifecycle from signals until shutdown and returns the
// process exit code. SIGPIPE is ignored so broken client pipes never kill the
// daemon. SIGUSR1 reloads the mappings in place, SIGUSR2 and SIGTERM shut down
// gracefully.
func Run(engine *tunnels.Engine, pidFilePath string) int {
	signal.Ignore(syscall.SIGPIPE)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, os.Interrupt)
	defer RemovePidFile(pidFilePath)

	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				log.Info("received SIGUSR1, reloading mappings")
				// a failed reload keeps the previous listener set
				_ = engine.Restart()
			default:
				log.Infof("received %v, shutting down", sig)
				engine.Stop()
				return 0
			}
		case err := <-engine.Fatal():
			log.Errorf("engine failed: %v", err)
			engine.Stop()
			return ExitMuxOSError
		}
	}
}

// SignalRunning sends sig to the daemon recorded in the pid file and returns a
// process exit code. A missing file or a stale pid yields ExitNotRunning,
// permission problems yield ExitSignalFailed.
func SignalRunning(pidFilePath string, sig syscall.Signal) int {
	pid, err := ReadPidFile(pidFilePath)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			log.Errorf("no permission to read pid file '%s'", pidFilePath)
			return ExitSignalFailed
		}
		log.Errorf("could not read pid file '%s', are you sure gandalf is running? %v", pidFilePath, err)
		return ExitNotRunning
	}
	err = syscall.Kill(pid, sig)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, syscall.ESRCH):
		log.Errorf("no process with pid %d, are you sure gandalf is running?", pid)
		return ExitNotRunning
	case errors.Is(err, syscall.EPERM):
		log.Errorf("no permission to signal pid %d", pid)
		return ExitSignalFailed
	default:
		log.Errorf("could not signal pid %d: %v", pid, err)
		return ExitSignalFailed
	}
}

// CheckNotRunning returns false when the pid file points at a live process.
func CheckNotRunning(pidFilePath string) bool {
	pid, err := ReadPidFile(pidFilePath)
	if err != nil {
		return true
	}
	return !ProcessAlive(pid)
}

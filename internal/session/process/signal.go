package process

import (
	"os"
	"os/exec"
	"syscall"
)

// terminateProcess sends SIGTERM for graceful shutdown.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// killProcess sends SIGKILL.
func killProcess(p *os.Process) error {
	return p.Kill()
}

// waitPtyProcess waits for the PTY child to exit and returns exit info.
// cmd.Wait inspects WaitStatus for signal information; a signalled exit
// is reported as 128+signo, matching shell conventions.
func waitPtyProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, "", nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, "", err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, "", err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String(), err
	}
	return waitStatus.ExitStatus(), "", err
}

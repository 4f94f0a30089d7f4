package webhook

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// firstActivatedFD is the first descriptor systemd passes (after stdio)
const firstActivatedFD = 3

// Listen returns the socket handed over by systemd socket activation, or a
// new TCP listener on addr when the process was not socket activated
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	listeners, err := activatedListeners(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		logger.Info("using socket activation", "addr", listeners[0].Addr().String(), "sockets", len(listeners))
		return listeners[0], nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, nil
}

// activationFDs reports how many descriptors systemd passed to pid. It
// returns 0 when the environment does not describe an activation of pid.
func activationFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q", fdsStr)
	}
	return n, nil
}

func activatedListeners(getenv func(string) string, pid int) ([]net.Listener, error) {
	n, err := activationFDs(getenv, pid)
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstActivatedFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Child processes (git, fdroid) must not believe they were activated
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

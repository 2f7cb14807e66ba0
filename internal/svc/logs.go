package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays service logs using the platform's native log viewer.
func ViewLogs(opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch runtime.GOOS {
	case "linux":
		return viewLogsLinux(opts)
	case "darwin":
		return viewLogsDarwin(opts)
	case "windows":
		return viewLogsWindows(opts)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

func viewLogsLinux(opts LogOptions) error {
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}

	cmd := exec.Command("journalctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func viewLogsDarwin(opts LogOptions) error {
	var cmd *exec.Cmd
	if opts.Follow {
		cmd = exec.Command("log", "stream", "--predicate", fmt.Sprintf("process == %q", opts.ServiceName))
	} else {
		cmd = exec.Command("log", "show", "--predicate", fmt.Sprintf("process == %q", opts.ServiceName), "--last", "1h")
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func viewLogsWindows(opts LogOptions) error {
	fmt.Fprintf(os.Stdout, "View logs for %q in Event Viewer under Windows Logs > Application.\n", opts.ServiceName)
	return nil
}

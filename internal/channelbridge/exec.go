package channelbridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Exec runs a one-shot command over client (e.g. "docker ps", issued as a
// single command string the remote shell interprets) and returns its
// trimmed stdout. The docker session kind does not use it: sessionx opens
// that one as a PTY running "docker exec -it <container> sh". Grounded on the
// deleted internal/docker/ssh.go's SSHExecutor.Run, generalized off its own
// dial to the session's shared client.
func Exec(ctx context.Context, client *ssh.Client, command string, args ...string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("channelbridge: exec session: %w", err)
	}
	defer session.Close()

	cmd := strings.Join(append([]string{command}, args...), " ")
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

package gitproxy

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// ServeInfoRefs writes the pkt-line service announcement for
// git-upload-pack followed by the ref advertisement produced by
// `git upload-pack --stateless-rpc --advertise-refs`. It is a thin
// passthrough: the mirror this reads from must already exist and be
// up to date by the time it's called.
func ServeInfoRefs(ctx context.Context, w io.Writer, repoPath string) error {
	const announcement = "# service=git-upload-pack\n"
	if _, err := fmt.Fprintf(w, "%04x%s0000", len(announcement)+4, announcement); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "upload-pack", "--stateless-rpc", "--advertise-refs", repoPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("gitproxy: advertise-refs stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("gitproxy: advertise-refs start: %w", err)
	}
	if _, err := io.Copy(w, stdout); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("gitproxy: advertise-refs copy: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("gitproxy: advertise-refs exited abnormally: %w", err)
	}
	return nil
}

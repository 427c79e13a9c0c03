// Package builder forks the external cache builder. The daemon core never
// builds kernel extension caches itself; it decides when a build is due
// and hands the work to the builder binary, either waiting for the result
// (pre-update mkext builds) or detaching it entirely (scheduled rebuilds).
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/desertwitch/helperd/internal/bootcaches"
	"github.com/desertwitch/helperd/internal/schema"
)

// DefaultExecPath is where the cache builder binary is expected.
const DefaultExecPath = "/usr/sbin/kextcache"

// Handler launches cache builder processes.
type Handler struct {
	execPath string
}

// NewHandler returns a pointer to a new [Handler]. An empty execPath
// selects [DefaultExecPath].
func NewHandler(execPath string) *Handler {
	if execPath == "" {
		execPath = DefaultExecPath
	}

	return &Handler{
		execPath: execPath,
	}
}

// launch starts the builder with the volume's bootstamp directory as its
// TMPDIR, so the builder's atomic rename-into-place happens on the target
// volume. Waited launches return the child's exit status; detached
// launches run in their own session and are reaped in the background.
func (h *Handler) launch(ctx context.Context, cacheRoot string, args []string, wait bool) (int, error) {
	cmd := exec.CommandContext(ctx, h.execPath, args...)
	cmd.Env = append(os.Environ(), "TMPDIR="+filepath.Join(cacheRoot, schema.StampCacheDir))

	if wait {
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitCode(), fmt.Errorf("(builder) builder reported failure: %w", err)
			}

			return -1, fmt.Errorf("(builder) failed to launch builder: %w", err)
		}

		return 0, nil
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("(builder) failed to launch builder: %w", err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("Detached cache builder reported failure", "err", err, "volume", cacheRoot)
		}
	}()

	return 0, nil
}

// RebuildMkext fires the builder to regenerate a volume's kernel
// extension cache.
func (h *Handler) RebuildMkext(ctx context.Context, caches *bootcaches.Caches, wait bool) (int, error) {
	var args []string

	for _, arch := range caches.Archs {
		args = append(args, "-a", arch)
	}

	args = append(args, "-l",
		"-m", filepath.Join(caches.Root, caches.Mkext.RPath),
		filepath.Join(caches.Root, caches.Exts),
	)

	return h.launch(ctx, caches.Root, args, wait)
}

// RebuildHelpers fires a detached builder invocation that updates the
// volume's helper partitions under a volume lock.
func (h *Handler) RebuildHelpers(ctx context.Context, caches *bootcaches.Caches, force bool) error {
	var args []string

	if force {
		args = append(args, "-f")
	}
	args = append(args, "-u", caches.Root)

	_, err := h.launch(ctx, caches.Root, args, false)

	return err
}

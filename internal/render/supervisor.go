// Package render drives the external rendering engine as a child process and
// collects whichever view images it managed to produce.
//
// Success is determined from the filesystem, never from the exit code: the
// engine is known to exit non-zero on benign warnings while still writing
// usable output, and partial output beats total failure.
package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"partvision/internal/config"
	"partvision/internal/metrics"
)

// killGrace is how long the engine gets to shut down after SIGTERM before it
// is killed outright.
const killGrace = 5 * time.Second

// Frame is one successfully rendered view: the view name and the PNG the
// engine wrote for it.
type Frame struct {
	View string
	Path string
}

// Result reports what the engine actually produced. Success requires at
// least one frame on disk.
type Result struct {
	Success  bool
	Frames   []Frame
	TimedOut bool
}

// Supervisor launches and bounds the rendering engine.
type Supervisor struct {
	cfg    config.RenderConfig
	logger *slog.Logger
}

// NewSupervisor creates a supervisor using the engine command, driver script
// and quality parameters from cfg.
func NewSupervisor(cfg config.RenderConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// Timeout returns the configured wall-clock bound for one render invocation.
func (s *Supervisor) Timeout() time.Duration {
	if s.cfg.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.cfg.TimeoutSeconds) * time.Second
}

// Render invokes the engine on geometryPath, writing one image per view into
// outputDir, and returns the frames found on disk afterwards. The engine's
// exit code is ignored; a timeout terminates the process and yields a failed
// result. Render never returns an error for engine failures, only for
// conditions that prevent spawning at all being indistinguishable from them
// (those also come back as a failed Result).
func (s *Supervisor) Render(ctx context.Context, geometryPath, outputDir string, views []string) Result {
	if _, err := os.Stat(geometryPath); err != nil {
		s.logger.Warn("geometry file missing", slog.String("path", geometryPath))
		metrics.RendersTotal.WithLabelValues("failed").Inc()
		return Result{}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		s.logger.Warn("cannot create render output dir", slog.String("error", err.Error()))
		metrics.RendersTotal.WithLabelValues("failed").Inc()
		return Result{}
	}

	args := []string{"--background", "--python", s.cfg.ScriptPath, "--", geometryPath, outputDir}
	args = append(args, views...)

	cmd := exec.Command(s.cfg.BlenderPath, args...)
	cmd.Env = s.engineEnv()
	// Own process group so the whole engine tree can be signaled together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("failed to start rendering engine", slog.String("error", err.Error()))
		metrics.RendersTotal.WithLabelValues("failed").Inc()
		return Result{}
	}

	timedOut := s.await(ctx, cmd)
	metrics.RenderDuration.Observe(time.Since(start).Seconds())

	frames := collectFrames(outputDir, views)
	res := Result{
		Success:  len(frames) > 0,
		Frames:   frames,
		TimedOut: timedOut,
	}

	switch {
	case timedOut:
		metrics.RendersTotal.WithLabelValues("timeout").Inc()
		s.logger.Warn("render timed out",
			slog.Duration("timeout", s.Timeout()),
			slog.String("geometry", geometryPath),
		)
	case !res.Success:
		metrics.RendersTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("render produced no frames",
			slog.String("geometry", geometryPath),
			slog.String("stdout", tail(stdout.String(), 2048)),
			slog.String("stderr", tail(stderr.String(), 2048)),
		)
	case len(frames) < len(views):
		metrics.RendersTotal.WithLabelValues("partial").Inc()
	default:
		metrics.RendersTotal.WithLabelValues("ok").Inc()
	}

	s.logger.Debug("render finished",
		slog.Int("requested", len(views)),
		slog.Int("rendered", len(frames)),
		slog.Duration("duration", time.Since(start)),
	)
	return res
}

// await waits for the process to exit, enforcing the wall-clock bound.
// Returns true if the timer fired first. The process (or its group) is
// always reaped before returning.
func (s *Supervisor) await(ctx context.Context, cmd *exec.Cmd) bool {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(s.Timeout())
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-ctx.Done():
		s.terminate(cmd, done)
		return true
	case <-timer.C:
		s.terminate(cmd, done)
		return true
	}
}

// terminate signals the engine's process group with SIGTERM, escalating to
// SIGKILL after the grace window, and waits for the exit to be reaped.
func (s *Supervisor) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(killGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	}
}

// engineEnv extends the ambient environment with the software-rendering hint
// and the configured quality parameters.
func (s *Supervisor) engineEnv() []string {
	env := append(os.Environ(), "LIBGL_ALWAYS_SOFTWARE=1")
	if s.cfg.Resolution > 0 {
		env = append(env, "RENDER_RESOLUTION="+strconv.Itoa(s.cfg.Resolution))
	}
	if s.cfg.Samples > 0 {
		env = append(env, "RENDER_SAMPLES="+strconv.Itoa(s.cfg.Samples))
	}
	return env
}

// ExpectedFile returns the output file name the engine writes for a view.
func ExpectedFile(view string) string {
	return fmt.Sprintf("preview_%s.png", view)
}

// collectFrames scans outputDir for the expected file of each requested view,
// in request order.
func collectFrames(outputDir string, views []string) []Frame {
	frames := make([]Frame, 0, len(views))
	for _, v := range views {
		p := filepath.Join(outputDir, ExpectedFile(v))
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			frames = append(frames, Frame{View: v, Path: p})
		}
	}
	return frames
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

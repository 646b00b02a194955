package video

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Default fetch parameters.
const (
	DefaultDownloader     = "yt-dlp"
	DefaultOutputTemplate = "%(title)s.%(id)s.%(ext)s"
	DefaultTimeoutMin     = 30
)

// Backend materializes one video URL as a local file inside dir and returns
// that file's path.
type Backend interface {
	Fetch(ctx context.Context, url, dir string) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, url, dir string) (string, error)

func (f BackendFunc) Fetch(ctx context.Context, url, dir string) (string, error) {
	return f(ctx, url, dir)
}

// YTDLP fetches videos by running a yt-dlp compatible binary.
type YTDLP struct {
	// Binary is the executable name or path. If empty, DefaultDownloader is
	// used.
	Binary string

	// Args are inserted before the per-URL arguments, e.g. format
	// selection or remux options.
	Args []string

	// OutputTemplate names the downloaded file. If empty,
	// DefaultOutputTemplate is used.
	OutputTemplate string

	// Timeout bounds one download. If zero, DefaultTimeoutMin minutes.
	Timeout time.Duration
}

// Fetch runs the downloader with dir as both working and output directory.
// The tool prints the final file path after post-processing; the last
// non-empty stdout line is taken as the artifact, and it must exist inside
// dir.
func (y *YTDLP) Fetch(parentCtx context.Context, url, dir string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("ytdlp: URL is required")
	}
	if dir == "" {
		return "", fmt.Errorf("ytdlp: output dir is required")
	}

	bin := y.Binary
	if bin == "" {
		bin = DefaultDownloader
	}
	tmpl := y.OutputTemplate
	if tmpl == "" {
		tmpl = DefaultOutputTemplate
	}
	timeout := y.Timeout
	if timeout <= 0 {
		timeout = time.Duration(DefaultTimeoutMin) * time.Minute
	}

	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	args := append([]string{}, y.Args...)
	args = append(args,
		"--no-simulate",
		"--no-progress",
		"--print", "after_move:filepath",
		"-P", dir,
		"-o", tmpl,
		"--", url,
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ytdlp: %s failed: %w: %s", bin, err, lastLine(stderr.String()))
	}

	name := lastLine(stdout.String())
	if name == "" {
		return "", fmt.Errorf("ytdlp: no output file reported")
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	name = filepath.Clean(name)

	rel, err := filepath.Rel(dir, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("ytdlp: output %q is outside %s", name, dir)
	}
	if fi, err := os.Stat(name); err != nil {
		return "", fmt.Errorf("ytdlp: output missing: %w", err)
	} else if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("ytdlp: output %q is not a regular file", name)
	}
	return name, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

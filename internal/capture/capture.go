// Package capture produces encoded frames from an image directory or from an
// ffmpeg-readable device or file.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andresmejia3/posewire/internal/types"
	"github.com/andresmejia3/posewire/internal/utils"
)

// Source yields frames until io.EOF.
type Source interface {
	Next(ctx context.Context) (types.FrameTask, error)
	io.Closer
}

var imageExts = []string{".png", ".jpg", ".jpeg"}

// IsImage reports whether path has a PNG or JPEG extension.
func IsImage(path string) bool {
	return slices.Contains(imageExts, strings.ToLower(filepath.Ext(path)))
}

// ListImages returns the image files in dir sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsImage(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// Limit stops src after n frames. n <= 0 means no limit.
func Limit(src Source, n int) Source {
	if n <= 0 {
		return src
	}
	return &limited{Source: src, left: n}
}

type limited struct {
	Source
	left int
}

func (l *limited) Next(ctx context.Context) (types.FrameTask, error) {
	if l.left <= 0 {
		return types.FrameTask{}, io.EOF
	}
	t, err := l.Source.Next(ctx)
	if err == nil {
		l.left--
	}
	return t, err
}

// DirSource reads image files in name order.
type DirSource struct {
	paths []string
	pos   int
}

// NewDirSource lists dir once; files added later are not seen.
func NewDirSource(dir string) (*DirSource, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return &DirSource{paths: paths}, nil
}

// Len returns the number of files.
func (d *DirSource) Len() int { return len(d.paths) }

func (d *DirSource) Next(ctx context.Context) (types.FrameTask, error) {
	if err := ctx.Err(); err != nil {
		return types.FrameTask{}, err
	}
	if d.pos >= len(d.paths) {
		return types.FrameTask{}, io.EOF
	}
	p := d.paths[d.pos]
	data, err := os.ReadFile(p)
	if err != nil {
		return types.FrameTask{}, fmt.Errorf("read %s: %w", p, err)
	}
	t := types.FrameTask{Index: d.pos, Name: filepath.Base(p), Data: data}
	d.pos++
	return t, nil
}

func (d *DirSource) Close() error { return nil }

// FileSource yields a single image file once. The file is read on Next, so a
// new FileSource over the same path sees whatever was last written there.
type FileSource struct {
	Path  string
	Index int
	done  bool
}

func (f *FileSource) Next(ctx context.Context) (types.FrameTask, error) {
	if err := ctx.Err(); err != nil {
		return types.FrameTask{}, err
	}
	if f.done {
		return types.FrameTask{}, io.EOF
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return types.FrameTask{}, fmt.Errorf("read %s: %w", f.Path, err)
	}
	f.done = true
	return types.FrameTask{Index: f.Index, Name: filepath.Base(f.Path), Data: data}, nil
}

func (f *FileSource) Close() error { return nil }

// FFmpegSource splits the MJPEG stream of an ffmpeg subprocess into frames.
type FFmpegSource struct {
	cmd     *utils.SafeCommand
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	next    int
	limit   int
}

// NewFFmpegSource starts ffmpeg on input. limit > 0 stops after that many
// frames.
func NewFFmpegSource(input string, fps, limit int) (*FFmpegSource, error) {
	raw := utils.NewFFmpegCaptureCmd(input, fps)
	cmd := utils.NewSafeCommand(raw.Path, raw.Args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return newFFmpegSource(cmd, stdout, limit), nil
}

func newFFmpegSource(cmd *utils.SafeCommand, stdout io.ReadCloser, limit int) *FFmpegSource {
	scanner := bufio.NewScanner(stdout)
	// A single JPEG can be far bigger than the default 64 KiB token limit.
	scanner.Buffer(make([]byte, 1024*1024), 32*1024*1024)
	scanner.Split(utils.SplitJpeg)
	return &FFmpegSource{cmd: cmd, stdout: stdout, scanner: scanner, limit: limit}
}

func (f *FFmpegSource) Next(ctx context.Context) (types.FrameTask, error) {
	if err := ctx.Err(); err != nil {
		return types.FrameTask{}, err
	}
	if f.limit > 0 && f.next >= f.limit {
		return types.FrameTask{}, io.EOF
	}
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return types.FrameTask{}, fmt.Errorf("ffmpeg stream: %w", err)
		}
		return types.FrameTask{}, io.EOF
	}
	// The scanner reuses its buffer.
	data := slices.Clone(f.scanner.Bytes())
	t := types.FrameTask{Index: f.next, Data: data}
	f.next++
	return t, nil
}

// Cmd exposes the subprocess for error reporting.
func (f *FFmpegSource) Cmd() *utils.SafeCommand { return f.cmd }

func (f *FFmpegSource) Close() error {
	f.stdout.Close()
	if f.cmd == nil || f.cmd.Process == nil {
		return nil
	}
	_ = f.cmd.Process.Kill()
	_ = f.cmd.Wait()
	return nil
}

package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/andresmejia3/posewire/internal/utils"
)

// DefaultVideoFPS is the frame rate of videos built from saved replies.
const DefaultVideoFPS = 30

// ListFrames returns the <n>.png files ImageDir wrote into dir, in frame
// order. Other files are ignored.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type frame struct {
		n    int
		path string
	}
	var frames []frame
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), ".png")
		if !ok || e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(stem)
		if err != nil || n < 0 {
			continue
		}
		frames = append(frames, frame{n, filepath.Join(dir, e.Name())})
	}
	slices.SortFunc(frames, func(a, b frame) int { return a.n - b.n })

	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = f.path
	}
	return paths, nil
}

// WriteVideo feeds frames to cmd's stdin in order, usually an encoder from
// utils.NewFFmpegEncodeCmd. The process is killed if ctx ends first.
func WriteVideo(ctx context.Context, cmd *utils.SafeCommand, frames []string) error {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	var writeErr error
	for _, f := range frames {
		data, err := os.ReadFile(f)
		if err != nil {
			writeErr = err
			break
		}
		if _, err := stdin.Write(data); err != nil {
			writeErr = fmt.Errorf("write %s: %w", filepath.Base(f), err)
			break
		}
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("encoder exited: %w", err)
	}
	return writeErr
}

package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps subprocess logs if a
// SafeCommand is provided. Commands return the error afterwards so cobra
// sets the exit code.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 POSEWIRE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nSUBPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Capture Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// GetTotalFrames uses ffprobe to read the frame count of a video file for the
// progress bar. It returns 0 if the count fails (or the input is a live
// device), allowing callers to fall back to a spinner.
func GetTotalFrames(path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot estimate progress.\n")
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}

	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCaptureCmd configures FFmpeg to read a camera device (or a video
// file) and write MJPEG frames to Stdout. fps <= 0 keeps the source rate.
func NewFFmpegCaptureCmd(input string, fps int) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if IsDevice(input) {
		args = append(args, "-f", deviceFormat())
	}
	args = append(args, "-i", input)
	if fps > 0 {
		args = append(args, "-r", strconv.Itoa(fps))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.Command("ffmpeg", args...)
}

// NewFFmpegEncodeCmd configures FFmpeg to read PNG/JPEG images from Stdin
// and encode them into an H.264 video at output.
func NewFFmpegEncodeCmd(output string, fps int) *SafeCommand {
	return NewSafeCommand("ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe", "-framerate", strconv.Itoa(fps), "-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", output)
}

// IsDevice reports whether input names a capture device rather than a file.
func IsDevice(input string) bool {
	return strings.HasPrefix(input, "/dev/video") || strings.HasPrefix(input, "video=")
}

func deviceFormat() string {
	if runtime.GOOS == "windows" {
		return "dshow"
	}
	return "v4l2"
}

// ImageID extracts the identifier from a dataset file name of the form
// "<prefix>_<id>.<ext>". Names without an underscore use the whole stem.
func ImageID(path string) string {
	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.Index(stem, "_"); i >= 0 {
		return stem[i+1:]
	}
	return stem
}

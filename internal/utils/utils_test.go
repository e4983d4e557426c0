package utils

import (
	"bufio"
	"bytes"
	"slices"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestImageID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/data/0000/rgb_000123.png", "000123"},
		{"frame_a_b.jpg", "a_b"},
		{"plain.png", "plain"},
		{"dir.with.dots/img_7.jpeg", "7"},
	}
	for _, tt := range tests {
		if got := ImageID(tt.path); got != tt.want {
			t.Errorf("ImageID(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestNewFFmpegCaptureCmd(t *testing.T) {
	cmd := NewFFmpegCaptureCmd("/dev/video0", 15)
	if !slices.Contains(cmd.Args, "v4l2") && !slices.Contains(cmd.Args, "dshow") {
		t.Errorf("device input should select a capture format: %v", cmd.Args)
	}
	if !slices.Contains(cmd.Args, "15") {
		t.Errorf("fps missing from args: %v", cmd.Args)
	}

	cmd = NewFFmpegCaptureCmd("clip.mp4", 0)
	if slices.Contains(cmd.Args, "-r") || slices.Contains(cmd.Args, "v4l2") {
		t.Errorf("file input should not set device flags: %v", cmd.Args)
	}
	if cmd.Args[len(cmd.Args)-1] != "-" {
		t.Errorf("output must go to stdout: %v", cmd.Args)
	}
}

func TestNewFFmpegEncodeCmd(t *testing.T) {
	cmd := NewFFmpegEncodeCmd("out.mp4", 30)
	i := slices.Index(cmd.Args, "-i")
	if i < 0 || cmd.Args[i+1] != "-" {
		t.Errorf("input must come from stdin: %v", cmd.Args)
	}
	if j := slices.Index(cmd.Args, "-framerate"); j < 0 || j > i || cmd.Args[j+1] != "30" {
		t.Errorf("framerate must be set before the input: %v", cmd.Args)
	}
	if cmd.Args[len(cmd.Args)-1] != "out.mp4" {
		t.Errorf("output path must be last: %v", cmd.Args)
	}
	if cmd.Stderr == nil {
		t.Error("encoder stderr should be captured")
	}
}

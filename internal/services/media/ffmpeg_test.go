package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"redub/internal/chapters"
	"redub/internal/services"
	"redub/internal/stage"
)

type capturedCommand struct {
	name string
	args []string
}

func TestEncodeSegmentBuildsFFmpegArgs(t *testing.T) {
	svc := NewFFmpeg(Config{Font: "/fonts/inter.ttf"})
	var commands []capturedCommand
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		commands = append(commands, capturedCommand{name: name, args: args})
		if name == FFprobeCommand {
			return []byte("42.500000\n"), nil
		}
		return nil, nil
	})

	req := stage.SegmentRequest{
		ImagePath:  "/work/chapter-01.png",
		AudioPath:  "/work/chapter-01.mp3",
		OutputPath: "/work/chapter-01.mp4",
		Resolution: "1280x720",
		FPS:        24,
		CRF:        18,
		Preset:     "slow",
		FadeIn:     0.5,
		FadeOut:    1.0,
		Overlays: []chapters.Overlay{
			{Text: "Kapitel 1: Anfang", Position: "lower_third", StartSeconds: 1, EndSeconds: 6},
		},
	}
	if err := svc.EncodeSegment(context.Background(), req); err != nil {
		t.Fatalf("EncodeSegment() error = %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("expected probe then encode, got %d commands", len(commands))
	}
	if commands[0].name != FFprobeCommand {
		t.Fatalf("first command = %s, want ffprobe", commands[0].name)
	}
	encode := commands[1]
	if encode.name != FFmpegCommand {
		t.Fatalf("second command = %s, want ffmpeg", encode.name)
	}
	joined := strings.Join(encode.args, " ")
	for _, want := range []string{
		"-loop 1",
		"-framerate 24",
		"-i /work/chapter-01.png",
		"-i /work/chapter-01.mp3",
		"-tune stillimage",
		"-preset slow",
		"-crf 18",
		"-shortest",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("encode args missing %q in %q", want, joined)
		}
	}
	filter := argValue(t, encode.args, "-vf")
	for _, want := range []string{
		"scale=1280:720:force_original_aspect_ratio=decrease",
		"pad=1280:720:(ow-iw)/2:(oh-ih)/2",
		"fade=t=in:st=0:d=0.500",
		"fade=t=out:st=41.500:d=1.000",
		`drawtext=text='Kapitel 1\: Anfang'`,
		"enable='between(t,1.000,6.000)'",
		"fontfile=/fonts/inter.ttf",
	} {
		if !strings.Contains(filter, want) {
			t.Errorf("filter missing %q in %q", want, filter)
		}
	}
	if encode.args[len(encode.args)-1] != "/work/chapter-01.mp4" {
		t.Errorf("last arg = %q, want output path", encode.args[len(encode.args)-1])
	}
}

func TestEncodeSegmentEscapesOverlayText(t *testing.T) {
	svc := NewFFmpeg(Config{})
	var filter string
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == FFprobeCommand {
			return []byte("10.0"), nil
		}
		filter = argValue(t, args, "-vf")
		return nil, nil
	})

	req := stage.SegmentRequest{
		ImagePath:  "/work/a.png",
		AudioPath:  "/work/a.mp3",
		OutputPath: "/work/a.mp4",
		Overlays:   []chapters.Overlay{{Text: `50% off: it's here, now`}},
	}
	if err := svc.EncodeSegment(context.Background(), req); err != nil {
		t.Fatalf("EncodeSegment() error = %v", err)
	}
	if !strings.Contains(filter, `50\% off\: it\'s here\, now`) {
		t.Errorf("overlay text not escaped: %q", filter)
	}
}

func TestEncodeSegmentRejectsBadResolution(t *testing.T) {
	svc := NewFFmpeg(Config{})
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("command should not run")
		return nil, nil
	})
	req := stage.SegmentRequest{
		ImagePath:  "/work/a.png",
		AudioPath:  "/work/a.mp3",
		OutputPath: "/work/a.mp4",
		Resolution: "wide",
	}
	err := svc.EncodeSegment(context.Background(), req)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("EncodeSegment() error = %v, want validation", err)
	}
}

func TestConcatWritesListFile(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "draft.mp4")
	segments := []string{
		filepath.Join(dir, "seg-01.mp4"),
		filepath.Join(dir, "seg-02.mp4"),
	}

	svc := NewFFmpeg(Config{})
	var listContent string
	var args []string
	svc.WithCommandRunner(func(ctx context.Context, name string, cmdArgs ...string) ([]byte, error) {
		args = cmdArgs
		listPath := argValue(t, cmdArgs, "-i")
		data, err := os.ReadFile(listPath)
		if err != nil {
			t.Fatalf("read concat list: %v", err)
		}
		listContent = string(data)
		return nil, nil
	})

	if err := svc.Concat(context.Background(), segments, output); err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	for _, segment := range segments {
		if !strings.Contains(listContent, "file '"+segment+"'") {
			t.Errorf("concat list missing %q:\n%s", segment, listContent)
		}
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-f concat", "-safe 0", "-c copy", "-movflags +faststart"} {
		if !strings.Contains(joined, want) {
			t.Errorf("concat args missing %q in %q", want, joined)
		}
	}
	entries, err := filepath.Glob(filepath.Join(dir, "concat-*.txt"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("concat list not cleaned up: %v", entries)
	}
}

func TestConcatRequiresSegments(t *testing.T) {
	svc := NewFFmpeg(Config{})
	err := svc.Concat(context.Background(), nil, "/work/draft.mp4")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Concat() error = %v, want validation", err)
	}
}

func TestExtractAudioSelectsCodecByExtension(t *testing.T) {
	tests := []struct {
		name      string
		audioPath string
		want      []string
		notWant   string
	}{
		{
			name:      "mp3 default",
			audioPath: "/work/source.audio.mp3",
			want:      []string{"-c:a libmp3lame", "-b:a 64k", "-ac 1", "-ar 16000"},
			notWant:   "pcm_s16le",
		},
		{
			name:      "wav for local tools",
			audioPath: "/work/source.audio.wav",
			want:      []string{"-c:a pcm_s16le", "-ac 1", "-ar 16000"},
			notWant:   "libmp3lame",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewFFmpeg(Config{})
			var joined string
			svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
				joined = strings.Join(args, " ")
				return nil, nil
			})
			if err := svc.ExtractAudio(context.Background(), "/work/source.mp4", tt.audioPath); err != nil {
				t.Fatalf("ExtractAudio() error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(joined, want) {
					t.Errorf("args missing %q in %q", want, joined)
				}
			}
			if strings.Contains(joined, tt.notWant) {
				t.Errorf("args unexpectedly contain %q in %q", tt.notWant, joined)
			}
			for _, want := range []string{"-vn", "-sn", "-dn"} {
				if !strings.Contains(joined, want) {
					t.Errorf("args missing %q in %q", want, joined)
				}
			}
		})
	}
}

func TestProbeParsesFFprobeJSON(t *testing.T) {
	svc := NewFFmpeg(Config{})
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != FFprobeCommand {
			t.Fatalf("command = %s, want ffprobe", name)
		}
		return []byte(`{
			"format": {"duration": "612.480000", "size": "73400320"},
			"streams": [
				{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080},
				{"codec_type": "audio", "codec_name": "aac"}
			]
		}`), nil
	})

	result, err := svc.Probe(context.Background(), "/work/draft.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.DurationSeconds != 612.48 {
		t.Errorf("DurationSeconds = %v, want 612.48", result.DurationSeconds)
	}
	if result.SizeBytes != 73400320 {
		t.Errorf("SizeBytes = %d, want 73400320", result.SizeBytes)
	}
	if result.VideoCodec != "h264" {
		t.Errorf("VideoCodec = %q, want h264", result.VideoCodec)
	}
	if result.AudioCodec != "aac" {
		t.Errorf("AudioCodec = %q, want aac", result.AudioCodec)
	}
	if result.Resolution != "1920x1080" {
		t.Errorf("Resolution = %q, want 1920x1080", result.Resolution)
	}
}

func TestProbeCommandFailure(t *testing.T) {
	svc := NewFFmpeg(Config{})
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("ffprobe: exit status 1: no such file")
	})
	_, err := svc.Probe(context.Background(), "/work/missing.mp4")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("Probe() error = %v, want external tool", err)
	}
}

func TestHealthCheckMissingBinary(t *testing.T) {
	svc := NewFFmpeg(Config{})
	svc.WithLookPath(func(name string) (string, error) {
		if name == FFmpegCommand {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	})
	health := svc.HealthCheck(context.Background())
	if health.Ready {
		t.Fatal("HealthCheck() ready, want unready")
	}
	if !strings.Contains(health.Detail, "ffmpeg") {
		t.Errorf("Detail = %q, want mention of ffmpeg", health.Detail)
	}
}

func TestHealthCheckBothBinariesPresent(t *testing.T) {
	svc := NewFFmpeg(Config{})
	svc.WithLookPath(func(name string) (string, error) {
		return "/usr/bin/" + name, nil
	})
	health := svc.HealthCheck(context.Background())
	if !health.Ready {
		t.Fatalf("HealthCheck() unready: %s", health.Detail)
	}
	if health.Name != "media" {
		t.Errorf("Name = %q, want media", health.Name)
	}
}

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

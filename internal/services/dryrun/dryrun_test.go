package dryrun

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"redub/internal/chapters"
	"redub/internal/stage"
)

func TestLLMCallIsDeterministic(t *testing.T) {
	llm := &LLM{}
	req := stage.LLMRequest{System: "You correct transcripts.", User: "Fix this text."}

	first, err := llm.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	second, err := llm.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if first.Text != second.Text {
		t.Errorf("same request produced different text:\n%q\n%q", first.Text, second.Text)
	}
	if first.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0", first.CostUSD)
	}

	other, err := llm.Call(context.Background(), stage.LLMRequest{System: req.System, User: "Fix that text."})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if other.Text == first.Text {
		t.Error("different prompts should produce different canned text")
	}
}

func TestLLMCallReturnsValidChapterDocument(t *testing.T) {
	llm := &LLM{}
	result, err := llm.Call(context.Background(), stage.LLMRequest{
		User:   "Plan chapters for this episode.",
		Params: map[string]any{"response_format": map[string]string{"type": "json_object"}},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	doc, err := chapters.Decode([]byte(result.Text))
	if err != nil {
		t.Fatalf("canned chapter document invalid: %v", err)
	}
	if len(doc.Chapters) == 0 {
		t.Fatal("canned document has no chapters")
	}
	if imageChapters := doc.ImageChapters(); len(imageChapters) == 0 {
		t.Error("canned document should exercise image generation")
	}
}

func TestLLMRespondOverride(t *testing.T) {
	llm := &LLM{Respond: func(req stage.LLMRequest) string { return "fixed answer" }}
	result, err := llm.Call(context.Background(), stage.LLMRequest{User: "anything"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Text != "fixed answer" {
		t.Errorf("Text = %q, want override", result.Text)
	}
}

func TestTranscriberReturnsCannedTranscript(t *testing.T) {
	transcriber := &Transcriber{}
	result, err := transcriber.Transcribe(context.Background(), stage.TranscribeRequest{AudioPath: "/work/a.mp3"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if !strings.Contains(result.Text, "pipeline") {
		t.Errorf("Text = %q, want canned transcript", result.Text)
	}
	if result.DurationSeconds != cannedDurationSeconds {
		t.Errorf("DurationSeconds = %v, want %v", result.DurationSeconds, cannedDurationSeconds)
	}
	if result.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0", result.CostUSD)
	}
}

func TestImageGeneratorReturnsPNG(t *testing.T) {
	generator := &ImageGenerator{}
	result, err := generator.Generate(context.Background(), stage.ImageRequest{Prompt: "a sunset"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(result.Bytes) == 0 || string(result.Bytes[1:4]) != "PNG" {
		t.Errorf("Bytes do not look like a PNG: %v", result.Bytes[:min(8, len(result.Bytes))])
	}
}

func TestSynthesizerDurationTracksText(t *testing.T) {
	synth := &SpeechSynthesizer{}
	short, err := synth.Synthesize(context.Background(), stage.SpeechRequest{Text: "Hello there."})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	long, err := synth.Synthesize(context.Background(), stage.SpeechRequest{
		Text: strings.Repeat("This sentence pads the narration with more words. ", 20),
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if long.DurationSeconds <= short.DurationSeconds {
		t.Errorf("longer text should synthesize longer audio: %v <= %v", long.DurationSeconds, short.DurationSeconds)
	}
	if short.CharacterCount != len("Hello there.") {
		t.Errorf("CharacterCount = %d", short.CharacterCount)
	}
}

func TestMediaWritesStubFiles(t *testing.T) {
	dir := t.TempDir()
	media := &Media{}

	audioPath := filepath.Join(dir, "source.audio.mp3")
	if err := media.ExtractAudio(context.Background(), filepath.Join(dir, "source.mp4"), audioPath); err != nil {
		t.Fatalf("ExtractAudio() error = %v", err)
	}
	segmentPath := filepath.Join(dir, "seg-01.mp4")
	err := media.EncodeSegment(context.Background(), stage.SegmentRequest{
		ImagePath:  filepath.Join(dir, "img.png"),
		AudioPath:  audioPath,
		OutputPath: segmentPath,
	})
	if err != nil {
		t.Fatalf("EncodeSegment() error = %v", err)
	}
	draftPath := filepath.Join(dir, "draft.mp4")
	if err := media.Concat(context.Background(), []string{segmentPath}, draftPath); err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	for _, path := range []string{audioPath, segmentPath, draftPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("stub file missing: %v", err)
		}
	}

	probe, err := media.Probe(context.Background(), draftPath)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if probe.DurationSeconds != cannedDurationSeconds {
		t.Errorf("DurationSeconds = %v, want %v", probe.DurationSeconds, cannedDurationSeconds)
	}
	if probe.SizeBytes == 0 {
		t.Error("SizeBytes should reflect the stub file")
	}
}

func TestDownloaderWritesVideoAndMetadata(t *testing.T) {
	dir := t.TempDir()
	downloader := &Downloader{}
	videoPath := filepath.Join(dir, "source.mp4")
	metaPath := filepath.Join(dir, "source.meta.json")

	result, err := downloader.Fetch(context.Background(), stage.FetchRequest{
		SourceURL: "https://videos.example/watch?v=zzz",
		VideoPath: videoPath,
		MetaPath:  metaPath,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if result.Title == "" || result.DurationSeconds <= 0 {
		t.Errorf("Fetch() result incomplete: %#v", result)
	}
	meta, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if !strings.Contains(string(meta), "https://videos.example/watch?v=zzz") {
		t.Errorf("metadata missing source url:\n%s", meta)
	}
}

func TestPublisherReturnsDeterministicID(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "final.mp4")
	if err := os.WriteFile(videoPath, []byte("VIDEO"), 0o644); err != nil {
		t.Fatalf("write video fixture: %v", err)
	}
	publisher := &Publisher{}

	first, err := publisher.Upload(context.Background(), stage.UploadRequest{VideoPath: videoPath, Title: "Titel"})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	second, err := publisher.Upload(context.Background(), stage.UploadRequest{VideoPath: videoPath, Title: "Titel"})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if first.ExternalID != second.ExternalID {
		t.Errorf("ExternalID not deterministic: %q vs %q", first.ExternalID, second.ExternalID)
	}
	if !strings.HasPrefix(first.ExternalID, "dryrun-") {
		t.Errorf("ExternalID = %q, want dryrun- prefix", first.ExternalID)
	}
	if first.PublishedAt.IsZero() {
		t.Error("PublishedAt should be set")
	}

	if _, err := publisher.Upload(context.Background(), stage.UploadRequest{
		VideoPath: filepath.Join(dir, "missing.mp4"),
		Title:     "Titel",
	}); err == nil {
		t.Error("Upload() with missing video should fail")
	}
}

func TestAllPortsReportHealthy(t *testing.T) {
	checks := []stage.Health{
		(&LLM{}).HealthCheck(context.Background()),
		(&Transcriber{}).HealthCheck(context.Background()),
		(&ImageGenerator{}).HealthCheck(context.Background()),
		(&SpeechSynthesizer{}).HealthCheck(context.Background()),
		(&Media{}).HealthCheck(context.Background()),
		(&Downloader{}).HealthCheck(context.Background()),
		(&Publisher{}).HealthCheck(context.Background()),
	}
	for _, health := range checks {
		if !health.Ready {
			t.Errorf("%s not ready: %s", health.Name, health.Detail)
		}
	}
}

package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"redub/internal/services"
	"redub/internal/stage"
)

type synthesisRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
		Style           float64 `json:"style"`
		UseSpeakerBoost bool    `json:"use_speaker_boost"`
	} `json:"voice_settings"`
}

func TestClientSynthesizeSingleChunk(t *testing.T) {
	var captured synthesisRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech/voice-abc" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "mp3_44100_128" {
			t.Fatalf("unexpected output format %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "test" {
			t.Fatalf("unexpected api key header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte("MP3DATA"))
	}))
	defer server.Close()

	client := NewClient(Config{
		APIKey:          "test",
		BaseURL:         server.URL,
		VoiceID:         "voice-abc",
		Stability:       0.5,
		SimilarityBoost: 0.75,
		UseSpeakerBoost: true,
	}, WithHTTPClient(server.Client()))
	result, err := client.Synthesize(context.Background(), stage.SpeechRequest{
		Text: "Hallo und willkommen zur heutigen Folge.",
	})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(result.MP3) != "MP3DATA" {
		t.Fatalf("unexpected audio %q", result.MP3)
	}
	wantChars := utf8.RuneCountInString("Hallo und willkommen zur heutigen Folge.")
	if result.CharacterCount != wantChars {
		t.Fatalf("unexpected character count %d, want %d", result.CharacterCount, wantChars)
	}
	if want := float64(wantChars) / 1000 * defaultPricePer1KCharsUSD; result.CostUSD != want {
		t.Fatalf("unexpected cost %v, want %v", result.CostUSD, want)
	}
	if want := float64(len("MP3DATA")) * 8 / outputBitrateBits; result.DurationSeconds != want {
		t.Fatalf("unexpected duration %v, want %v", result.DurationSeconds, want)
	}
	if captured.ModelID != defaultModel {
		t.Fatalf("unexpected model %q", captured.ModelID)
	}
	if captured.VoiceSettings.Stability != 0.5 || captured.VoiceSettings.SimilarityBoost != 0.75 {
		t.Fatalf("unexpected voice settings %+v", captured.VoiceSettings)
	}
	if !captured.VoiceSettings.UseSpeakerBoost {
		t.Fatal("expected speaker boost to be enabled")
	}
}

func TestClientSynthesizeChunksLongTexts(t *testing.T) {
	var texts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		texts = append(texts, req.Text)
		fmt.Fprintf(w, "CHUNK%d|", len(texts))
	}))
	defer server.Close()

	sentence := "Dies ist ein Beispielsatz mit vielen Worten."
	longText := strings.TrimSpace(strings.Repeat(sentence+" ", 150))
	if utf8.RuneCountInString(longText) <= maxChunkChars {
		t.Fatalf("fixture too short: %d runes", utf8.RuneCountInString(longText))
	}

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, VoiceID: "voice-abc"})
	result, err := client.Synthesize(context.Background(), stage.SpeechRequest{Text: longText})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if len(texts) < 2 {
		t.Fatalf("expected chunked synthesis, got %d requests", len(texts))
	}
	totalChars := 0
	for i, text := range texts {
		if utf8.RuneCountInString(text) > maxChunkChars {
			t.Fatalf("chunk %d exceeds provider ceiling: %d runes", i, utf8.RuneCountInString(text))
		}
		if !strings.HasSuffix(text, ".") {
			t.Fatalf("chunk %d does not end on a sentence boundary: %q", i, text[len(text)-40:])
		}
		totalChars += utf8.RuneCountInString(text)
	}
	if strings.Join(texts, " ") != longText {
		t.Fatal("chunks do not reassemble the input text")
	}
	if result.CharacterCount != totalChars {
		t.Fatalf("unexpected character count %d, want %d", result.CharacterCount, totalChars)
	}
	var wantAudio strings.Builder
	for i := range texts {
		fmt.Fprintf(&wantAudio, "CHUNK%d|", i+1)
	}
	if string(result.MP3) != wantAudio.String() {
		t.Fatalf("audio chunks out of order: %q", result.MP3)
	}
}

func TestClientSynthesizeRetriesOnHTTP429(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("MP3DATA"))
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, VoiceID: "voice-abc"},
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }),
	)
	result, err := client.Synthesize(context.Background(), stage.SpeechRequest{Text: "Hallo."})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(result.MP3) != "MP3DATA" {
		t.Fatalf("unexpected audio %q", result.MP3)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("expected single sleep of 1s, got %v", slept)
	}
}

func TestClientSynthesizeRateLimitExhaustedIsTransient(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, VoiceID: "voice-abc"},
		WithRetryBackoff(0, 0),
		WithRetryMaxAttempts(2),
		WithSleeper(func(time.Duration) {}),
	)
	_, err := client.Synthesize(context.Background(), stage.SpeechRequest{Text: "Hallo."})
	if err == nil {
		t.Fatal("expected synthesis to fail")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient classification, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestClientSynthesizeUnauthorizedIsConfiguration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "invalid api key"})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "bad", BaseURL: server.URL, VoiceID: "voice-abc"})
	_, err := client.Synthesize(context.Background(), stage.SpeechRequest{Text: "Hallo."})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration classification, got %v", err)
	}
}

func TestClientSynthesizeRequiresVoice(t *testing.T) {
	client := NewClient(Config{APIKey: "test"})
	_, err := client.Synthesize(context.Background(), stage.SpeechRequest{Text: "Hallo."})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestClientHealthCheckProbesUserEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("xi-api-key"); got != "test" {
			t.Fatalf("unexpected api key header %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"subscription": map[string]any{}})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, VoiceID: "voice-abc"})
	health := client.HealthCheck(context.Background())
	if !health.Ready {
		t.Fatalf("expected healthy, got %#v", health)
	}
}

func TestClientHealthCheckRejectedKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "bad", BaseURL: server.URL, VoiceID: "voice-abc"})
	if health := client.HealthCheck(context.Background()); health.Ready {
		t.Fatal("expected health check to fail")
	}
}

package outbound

import (
	"context"
	"testing"

	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/hostport/refhost"
)

type fakeChunkSender struct {
	chunks []string
	fail   bool
}

func (f *fakeChunkSender) SendTextChunk(ctx context.Context, chunk string) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

type fakeMediaDeliverer struct {
	images, voices []string
	files          []string
	fileNames      []string
}

func (f *fakeMediaDeliverer) SendImage(ctx context.Context, localPath string) error {
	f.images = append(f.images, localPath)
	return nil
}

func (f *fakeMediaDeliverer) SendVoice(ctx context.Context, localPath string) error {
	f.voices = append(f.voices, localPath)
	return nil
}

func (f *fakeMediaDeliverer) SendFile(ctx context.Context, localPath, fileName string) error {
	f.files = append(f.files, localPath)
	f.fileNames = append(f.fileNames, fileName)
	return nil
}

func TestSendTextDegradesMarkdownWhenNotCapable(t *testing.T) {
	host := refhost.New().AsHost()
	sender := &fakeChunkSender{}
	err := SendText(context.Background(), host, sender, "## Title\nbody", Options{Channel: "wecom", MarkdownCapable: false})
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if len(sender.chunks) == 0 {
		t.Fatalf("expected at least one chunk sent")
	}
	for _, c := range sender.chunks {
		if containsHash(c) {
			t.Fatalf("expected markdown heading marker stripped, got %q", c)
		}
	}
}

func containsHash(s string) bool {
	for _, r := range s {
		if r == '#' {
			return true
		}
	}
	return false
}

func TestSendTextPropagatesChunkError(t *testing.T) {
	host := refhost.New().AsHost()
	sender := &fakeChunkSender{fail: true}
	err := SendText(context.Background(), host, sender, "hello", Options{Channel: "dingtalk", MarkdownCapable: true})
	if err == nil {
		t.Fatalf("expected send error to propagate")
	}
}

func TestDeliverMediaImage(t *testing.T) {
	deliverer := &fakeMediaDeliverer{}
	err := DeliverMedia(context.Background(), nil, deliverer, MediaRequest{Kind: envelope.Image, LocalPath: "/tmp/a.jpg"}, Options{SupportsFileSend: true})
	if err != nil {
		t.Fatalf("deliver image: %v", err)
	}
	if len(deliverer.images) != 1 {
		t.Fatalf("expected one image delivery, got %d", len(deliverer.images))
	}
}

func TestDeliverMediaVoiceAMRGoesDirect(t *testing.T) {
	deliverer := &fakeMediaDeliverer{}
	err := DeliverMedia(context.Background(), nil, deliverer, MediaRequest{Kind: envelope.Voice, LocalPath: "/tmp/a.amr"}, Options{SupportsFileSend: true})
	if err != nil {
		t.Fatalf("deliver voice: %v", err)
	}
	if len(deliverer.voices) != 1 {
		t.Fatalf("expected voice sent directly for .amr, got voices=%d files=%d", len(deliverer.voices), len(deliverer.files))
	}
}

func TestDeliverMediaVoiceWavWithoutTranscodeFallsBackToFile(t *testing.T) {
	deliverer := &fakeMediaDeliverer{}
	err := DeliverMedia(context.Background(), nil, deliverer, MediaRequest{Kind: envelope.Voice, LocalPath: "/tmp/a.wav", FileName: "a.wav"}, Options{SupportsFileSend: true, VoiceTranscodeEnabled: false})
	if err != nil {
		t.Fatalf("deliver voice: %v", err)
	}
	if len(deliverer.files) != 1 || len(deliverer.voices) != 0 {
		t.Fatalf("expected fallback to file send, got voices=%d files=%d", len(deliverer.voices), len(deliverer.files))
	}
}

func TestFfmpegTranscodeArgsPinsCodecAndRate(t *testing.T) {
	got := ffmpegTranscodeArgs("/tmp/a.wav", "/tmp/a.amr")
	want := []string{"-y", "-i", "/tmp/a.wav", "-ar", "8000", "-ac", "1", "-c:a", "amr_nb", "/tmp/a.amr"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDeliverMediaFileUnsupportedOnQQ(t *testing.T) {
	deliverer := &fakeMediaDeliverer{}
	err := DeliverMedia(context.Background(), nil, deliverer, MediaRequest{Kind: envelope.File, LocalPath: "/tmp/a.pdf", SourceURL: "http://x/a.pdf"}, Options{Channel: "qqbot", SupportsFileSend: false})
	if err == nil {
		t.Fatalf("expected unsupported file send to error on QQ")
	}
}

func TestDeliverMediaFileSendsCaptionFirst(t *testing.T) {
	textSender := &fakeChunkSender{}
	deliverer := &fakeMediaDeliverer{}
	err := DeliverMedia(context.Background(), textSender, deliverer, MediaRequest{
		Kind: envelope.File, LocalPath: "/tmp/a.pdf", FileName: "report.pdf", Caption: "here is the report",
	}, Options{SupportsFileSend: true})
	if err != nil {
		t.Fatalf("deliver file: %v", err)
	}
	if len(textSender.chunks) != 1 || textSender.chunks[0] != "here is the report" {
		t.Fatalf("expected caption sent first, got %v", textSender.chunks)
	}
	if len(deliverer.files) != 1 {
		t.Fatalf("expected file sent after caption")
	}
}

func TestFallbackText(t *testing.T) {
	if got := FallbackText("http://x/a.jpg"); got != "📎 http://x/a.jpg" {
		t.Fatalf("unexpected fallback text: %q", got)
	}
}

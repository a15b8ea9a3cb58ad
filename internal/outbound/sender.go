// Package outbound implements the §4.I text and media sending
// pipeline shared by every channel transport: Markdown chunking and
// degradation, voice transcode-or-fallback, and the file-send and
// media-failure fallback policies.
package outbound

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wendell1224/openclaw-china/internal/envelope"
	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
	"github.com/wendell1224/openclaw-china/internal/hostport"
)

// ChunkSender delivers one already-chunked text message to the
// platform. Implemented per channel transport.
type ChunkSender interface {
	SendTextChunk(ctx context.Context, chunk string) error
}

// MediaDeliverer delivers one media attachment to the platform.
// Implemented per channel transport.
type MediaDeliverer interface {
	SendImage(ctx context.Context, localPath string) error
	SendVoice(ctx context.Context, localPath string) error
	SendFile(ctx context.Context, localPath, fileName string) error
}

// Options carries the per-account, per-channel knobs that change how
// text and media are sent.
type Options struct {
	Channel               string
	TextChunkLimit        int
	MarkdownCapable       bool
	VoiceTranscodeEnabled bool
	SupportsFileSend      bool // false for QQ C2C/group (errcode file_type=4)
}

// SendText chunks text per opts and delivers each chunk through
// sender, degrading Markdown to plain text first when the platform
// does not render it. The first delivery error aborts remaining
// chunks and is returned to the caller.
func SendText(ctx context.Context, tools hostport.TextTools, sender ChunkSender, text string, opts Options) error {
	limit := tools.ResolveTextChunkLimit(opts.Channel, opts.TextChunkLimit)

	var chunks []string
	if opts.MarkdownCapable {
		mode := tools.ResolveMarkdownTableMode(opts.Channel)
		chunks = tools.ChunkMarkdownText(text, limit, mode)
	} else {
		chunks = tools.ChunkTextWithMode(DegradeMarkdown(text), limit, hostport.TableModeBullets)
	}

	for _, chunk := range chunks {
		if err := sender.SendTextChunk(ctx, chunk); err != nil {
			return fmt.Errorf("send text chunk: %w", err)
		}
	}
	return nil
}

// MediaRequest describes one attachment to deliver.
type MediaRequest struct {
	Kind      envelope.AttachmentKind
	LocalPath string
	FileName  string
	Caption   string
	SourceURL string
}

// DeliverMedia implements §4.I's media delivery and fallback rules. If
// req.Caption is set and the attachment resolves to a file send, the
// caption is sent through textSender before the file itself, since
// WeCom-family rarely displays the real filename. On any unrecoverable
// failure it returns an error; callers are expected to fall back to
// sending "📎 <url>" as text per the spec's generic media-failure
// policy.
func DeliverMedia(ctx context.Context, textSender ChunkSender, sender MediaDeliverer, req MediaRequest, opts Options) error {
	switch req.Kind {
	case envelope.Image:
		return sender.SendImage(ctx, req.LocalPath)

	case envelope.Voice:
		return deliverVoice(ctx, textSender, sender, req, opts)

	case envelope.Video, envelope.File:
		return deliverFile(ctx, textSender, sender, req, opts)

	default:
		return fmt.Errorf("unsupported attachment kind %q", req.Kind)
	}
}

func deliverVoice(ctx context.Context, textSender ChunkSender, sender MediaDeliverer, req MediaRequest, opts Options) error {
	ext := strings.ToLower(filepath.Ext(req.LocalPath))
	switch ext {
	case ".amr", ".speex":
		return sender.SendVoice(ctx, req.LocalPath)
	case ".wav", ".mp3":
		if opts.VoiceTranscodeEnabled && ffmpegAvailable() {
			transcoded, err := transcodeToAMR(ctx, req.LocalPath)
			if err == nil {
				defer os.Remove(transcoded)
				return sender.SendVoice(ctx, transcoded)
			}
		}
		return deliverFile(ctx, textSender, sender, req, opts)
	default:
		return deliverFile(ctx, textSender, sender, req, opts)
	}
}

func deliverFile(ctx context.Context, textSender ChunkSender, sender MediaDeliverer, req MediaRequest, opts Options) error {
	if !opts.SupportsFileSend {
		return gatewayerr.New(gatewayerr.PlatformFormatUnsupported, fmt.Sprintf("file send unsupported on %s (file_type=4): %s", opts.Channel, req.SourceURL))
	}
	if req.Caption != "" && textSender != nil {
		if err := textSender.SendTextChunk(ctx, req.Caption); err != nil {
			return err
		}
	}
	return sender.SendFile(ctx, req.LocalPath, req.FileName)
}

func ffmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// ffmpegTranscodeArgs builds the argument list for the 8kHz mono AMR
// transcode WeCom-family voice messages require.
func ffmpegTranscodeArgs(src, dst string) []string {
	return []string{"-y", "-i", src, "-ar", "8000", "-ac", "1", "-c:a", "amr_nb", dst}
}

// transcodeToAMR shells out to ffmpeg to produce an 8kHz mono AMR file
// next to src, the format WeCom-family voice messages require.
func transcodeToAMR(ctx context.Context, src string) (string, error) {
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".amr"
	cmd := exec.CommandContext(ctx, "ffmpeg", ffmpegTranscodeArgs(src, dst)...)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg transcode: %w", err)
	}
	return dst, nil
}

// FallbackText builds the "📎 <url>" text sent when a media delivery
// attempt fails outright.
func FallbackText(sourceURL string) string {
	return "📎 " + sourceURL
}

// QQFileUnsupportedText builds the explanatory text sent when QQ
// rejects a file send with file_type=4 on a C2C/group conversation.
func QQFileUnsupportedText(sourceURL string) string {
	return "文件发送暂不支持当前会话类型，请查看：" + sourceURL
}

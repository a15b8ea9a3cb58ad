// Package media implements the unified download/archive/prune/upload
// service (§4.D) shared by every channel's message normalizer and
// outbound sender.
package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
)

const (
	defaultMaxBytes       = 10 << 20 // 10 MB
	defaultDownloadTimeout = 120 * time.Second
	defaultUploadTimeout   = 60 * time.Second
	defaultKeepDays        = 7
)

// mimeByExt maps a recognized file extension to its MIME type, used both
// to classify attachments and to build multipart upload requests.
var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".amr":  "audio/amr",
	".speex": "audio/speex",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".svg":  "image/svg+xml",
}

// Service implements download, archive, prune, upload, and classify
// against a configured temp root and media root.
type Service struct {
	HTTPClient *http.Client
	TempRoot   string
	MediaRoot  string
}

// New builds a media Service rooted at tempRoot/mediaRoot, creating them
// if necessary.
func New(tempRoot, mediaRoot string) (*Service, error) {
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	if err := os.MkdirAll(mediaRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Service{
		HTTPClient: &http.Client{Timeout: defaultDownloadTimeout},
		TempRoot:   tempRoot,
		MediaRoot:  mediaRoot,
	}, nil
}

// DownloadOptions configures one download call.
type DownloadOptions struct {
	URL      string
	Headers  map[string]string
	MaxBytes int64 // 0 uses defaultMaxBytes
	Prefix   string
	Filename string // caller-supplied filename hint, highest priority for extension choice

	// Decrypt, if set, is applied to the full downloaded body before it
	// is written to disk (WeCom callback media).
	Decrypt func([]byte) ([]byte, error)
}

// DownloadResult describes a file written under the temp root.
type DownloadResult struct {
	Path string
	Size int64
	Ext  string
}

// Download implements §4.D's download algorithm: abort on an
// over-limit Content-Length without reading the body, otherwise stream
// and count bytes, aborting mid-stream if the running count exceeds
// maxBytes; optionally decrypt; choose an extension; write atomically.
func (s *Service) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Timeout, "build download request", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Timeout, "download request failed", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
		return nil, gatewayerr.New(gatewayerr.SizeLimit,
			fmt.Sprintf("content-length %d exceeds max %d", resp.ContentLength, maxBytes))
	}

	return s.saveLimited(resp.Body, maxBytes, opts, resp.Header.Get("Content-Disposition"), resp.Header.Get("Content-Type"))
}

// SaveStream persists r under the temp root the same way Download does,
// for media already fetched through a platform SDK call (e.g. Feishu's
// message-resource API) rather than a plain HTTP GET.
func (s *Service) SaveStream(r io.Reader, opts DownloadOptions) (*DownloadResult, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return s.saveLimited(r, maxBytes, opts, "", "")
}

func (s *Service) saveLimited(r io.Reader, maxBytes int64, opts DownloadOptions, contentDisposition, contentType string) (*DownloadResult, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Timeout, "read download body", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, gatewayerr.New(gatewayerr.SizeLimit, fmt.Sprintf("downloaded body exceeds max %d bytes", maxBytes))
	}

	if opts.Decrypt != nil {
		body, err = opts.Decrypt(body)
		if err != nil {
			return nil, err
		}
	}

	ext := chooseExtension(opts.Filename, contentDisposition, contentType)

	name, err := randomName(opts.Prefix, ext)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.TempRoot, name)
	if err := writeAtomic(path, body); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Timeout, "write downloaded file", err)
	}

	return &DownloadResult{Path: path, Size: int64(len(body)), Ext: ext}, nil
}

// Archive moves a file from the temp root into
// <mediaRoot>/inbound/YYYY-MM-DD/, returning the new absolute path. Only
// files that live under the temp root are moved; everything else is
// rejected so callers cannot smuggle arbitrary paths into the archive.
func (s *Service) Archive(tempPath string) (string, error) {
	absTemp, err := filepath.Abs(s.TempRoot)
	if err != nil {
		return "", err
	}
	absFile, err := filepath.Abs(tempPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absFile, absTemp+string(filepath.Separator)) {
		return tempPath, fmt.Errorf("refusing to archive file outside temp root: %s", tempPath)
	}

	day := time.Now().Format("2006-01-02")
	destDir := filepath.Join(s.MediaRoot, "inbound", day)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(absFile))

	if err := os.Rename(absFile, dest); err != nil {
		// Best-effort delete plus fall back to the temp path, per §4.D.
		_ = os.Remove(absFile)
		return absFile, fmt.Errorf("move to archive failed, temp file dropped: %w", err)
	}
	return dest, nil
}

// Prune deletes files under dated subdirectories of
// <mediaRoot>/inbound/ whose directory and file mtimes are both past
// now - keepDays*24h. Best-effort: errors on individual files are
// swallowed so one bad entry does not abort the sweep.
func (s *Service) Prune(keepDays int) error {
	if keepDays <= 0 {
		keepDays = defaultKeepDays
	}
	root := filepath.Join(s.MediaRoot, "inbound")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, entry.Name())
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			fi, err := f.Info()
			if err != nil || fi.ModTime().After(cutoff) {
				continue
			}
			_ = os.Remove(filepath.Join(dirPath, f.Name()))
		}
	}
	return nil
}

// UploadOptions configures one multipart upload call.
type UploadOptions struct {
	Endpoint string // with access_token already appended as a query param
	FilePath string
	FileName string
}

// uploadResponse is the common {"media_id": "...", "errcode": 0} shape
// WeCom-family upload endpoints return.
type uploadResponse struct {
	MediaID string `json:"media_id"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Upload assembles a multipart/form-data request with a unique boundary
// and posts it to the platform upload endpoint, returning the returned
// media_id.
func (s *Service) Upload(ctx context.Context, opts UploadOptions) (string, error) {
	data, err := os.ReadFile(opts.FilePath)
	if err != nil {
		return "", fmt.Errorf("read upload file: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", opts.FileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultUploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Timeout, "upload request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var decoded uploadResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if decoded.ErrCode != 0 {
		return "", fmt.Errorf("upload rejected: errcode=%d errmsg=%s", decoded.ErrCode, decoded.ErrMsg)
	}
	return decoded.MediaID, nil
}

// Classify maps a filename + declared MIME type to an attachment kind.
// SVG is always a file (platforms do not render it inline); wav/mp3 are
// files unless voiceTranscode is enabled, in which case the outbound
// sender may transcode them to amr before sending as voice.
func Classify(filename, declaredMIME string, voiceTranscode bool) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".svg":
		return "file"
	case ".wav", ".mp3":
		if voiceTranscode {
			return "voice"
		}
		return "file"
	case ".amr", ".speex":
		return "voice"
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".mov":
		return "video"
	}
	if strings.HasPrefix(declaredMIME, "image/") {
		return "image"
	}
	if strings.HasPrefix(declaredMIME, "audio/") {
		return "voice"
	}
	if strings.HasPrefix(declaredMIME, "video/") {
		return "video"
	}
	return "file"
}

func chooseExtension(filename, contentDisposition, contentType string) string {
	if filename != "" {
		if ext := filepath.Ext(filename); ext != "" {
			return ext
		}
	}
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok {
				if decoded, err := url.QueryUnescape(fn); err == nil {
					fn = decoded
				}
				if ext := filepath.Ext(fn); ext != "" {
					return ext
				}
			}
		}
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			for ext, mt := range mimeByExt {
				if mt == mediaType {
					return ext
				}
			}
		}
	}
	return ".bin"
}

func randomName(prefix, ext string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	if prefix == "" {
		prefix = "media"
	}
	return fmt.Sprintf("%s_%d_%s%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf), ext), nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Service) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

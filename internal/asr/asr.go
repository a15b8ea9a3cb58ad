// Package asr implements the Tencent Cloud "flash" (one-shot, short
// clip) speech recognition port consumed by the message normalizer's
// voice transcription fallback.
package asr

import (
	"context"
	"encoding/base64"
	"time"

	tcasr "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/asr/v20190614"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"

	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
)

const (
	defaultRegion = "ap-guangzhou"
	defaultBudget = 30 * time.Second
	engineType    = "16k_zh"
)

// Transcriber converts a short audio clip to text. format matches the
// platform's own voice codec (wav, mp3, silk, amr, ...).
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// TencentFlash recognizes a single short utterance via Tencent Cloud's
// synchronous sentence recognition API -- no polling, no task id, a
// result (or an error) within one call.
type TencentFlash struct {
	SecretID  string
	SecretKey string
	Region    string
}

// NewTencentFlash builds a transcriber bound to one set of credentials.
func NewTencentFlash(secretID, secretKey string) *TencentFlash {
	return &TencentFlash{SecretID: secretID, SecretKey: secretKey}
}

func (t *TencentFlash) client() (*tcasr.Client, error) {
	credential := common.NewCredential(t.SecretID, t.SecretKey)
	cpf := profile.NewClientProfile()
	region := t.Region
	if region == "" {
		region = defaultRegion
	}
	client, err := tcasr.NewClient(credential, region, cpf)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigInvalid, "build tencent asr client", err)
	}
	return client, nil
}

// Transcribe calls SentenceRecognition and enforces a fixed budget
// independent of however the SDK's own HTTP client is configured,
// since a hung transcription should not indefinitely stall a reply.
func (t *TencentFlash) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	client, err := t.client()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultBudget)
	defer cancel()

	req := tcasr.NewSentenceRecognitionRequest()
	req.SubServiceType = common.Uint64Ptr(2)
	req.EngSerViceType = common.StringPtr(engineType)
	req.SourceType = common.Uint64Ptr(1)
	req.VoiceFormat = common.StringPtr(format)
	req.Data = common.StringPtr(base64.StdEncoding.EncodeToString(audio))
	req.DataLen = common.Int64Ptr(int64(len(audio)))

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := client.SentenceRecognition(req)
		if err != nil {
			done <- outcome{err: gatewayerr.Wrap(gatewayerr.Timeout, "tencent asr request failed", err)}
			return
		}
		if resp.Response == nil || resp.Response.Result == nil {
			done <- outcome{err: gatewayerr.New(gatewayerr.Timeout, "tencent asr returned no result")}
			return
		}
		done <- outcome{text: *resp.Response.Result}
	}()

	select {
	case <-ctx.Done():
		return "", gatewayerr.Wrap(gatewayerr.Timeout, "tencent asr budget exceeded", ctx.Err())
	case o := <-done:
		return o.text, o.err
	}
}

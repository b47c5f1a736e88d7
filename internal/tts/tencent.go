package tts

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	tencenttts "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/tts/v20190823"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// TencentSynth calls Tencent Cloud TextToVoice. The voice of a request is
// ignored; Tencent selects voices by numeric type.
type TencentSynth struct {
	client    *tencenttts.Client
	voiceType int64
}

func NewTencentSynth(cfg config.TencentCfg) (*TencentSynth, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("tencent synth requires secret_id and secret_key")
	}
	if cfg.Region == "" {
		cfg.Region = "ap-guangzhou"
	}
	if cfg.VoiceType == 0 {
		cfg.VoiceType = 1001
	}
	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "tts.tencentcloudapi.com"
	client, err := tencenttts.NewClient(credential, cfg.Region, cpf)
	if err != nil {
		return nil, fmt.Errorf("create tencent client: %w", err)
	}
	return &TencentSynth{client: client, voiceType: cfg.VoiceType}, nil
}

func (t *TencentSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	request := tencenttts.NewTextToVoiceRequest()
	request.Text = common.StringPtr(req.Text)
	request.SessionId = common.StringPtr(uuid.NewString())
	request.VoiceType = common.Int64Ptr(t.voiceType)
	request.Codec = common.StringPtr("mp3")
	request.Speed = common.Float64Ptr(1.0)
	request.Volume = common.Float64Ptr(5.0)

	response, err := t.client.TextToVoiceWithContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("tencent text to voice: %w", err)
	}
	if response.Response == nil || response.Response.Audio == nil {
		return nil, fmt.Errorf("tencent returned no audio")
	}
	data, err := base64.StdEncoding.DecodeString(*response.Response.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode tencent audio: %w", err)
	}
	return data, nil
}

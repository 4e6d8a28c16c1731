package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
)

// txt2imgRequest is the diffusion engine's wire shape.
type txt2imgRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Height         int    `json:"height"`
	Width          int    `json:"width"`
	Steps          int    `json:"steps"`
	BatchSize      int    `json:"batch_size"`
	CfgScale       int    `json:"cfg_scale"`
	SamplerName    string `json:"sampler_name,omitempty"`
	Seed           int64  `json:"seed"`
}

type txt2imgReply struct {
	Images []string `json:"images"` // base64 PNGs
	Info   string   `json:"info,omitempty"`
}

// diffusionWorker generates images through an HTTP diffusion engine.
// Artifacts stay inline as base64 for LOCAL storage or are uploaded to the
// object store and returned as signed URLs for S3.
type diffusionWorker struct {
	base
	storage job.Storage
	jobID   string
}

func newDiffusionWorker(id string, cfg config.WorkerConfig, env *Env) Worker {
	return &diffusionWorker{base: newBase(id, cfg, env)}
}

// SetStorage selects where this job's artifacts land.
func (w *diffusionWorker) SetStorage(s job.Storage, jobID string) {
	w.storage = s
	w.jobID = jobID
}

func (w *diffusionWorker) Work(ctx context.Context, raw []byte) ([]byte, error) {
	var req model.TextToImageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode image request: %w", err)
	}
	req.ApplyDefaults()
	if len(req.TextPrompts) == 0 {
		return nil, fmt.Errorf("image request has no prompts")
	}

	// Positive and negative prompts split by weight sign.
	var prompt, negative string
	for _, p := range req.TextPrompts {
		if p.Weight < 0 {
			if negative != "" {
				negative += ", "
			}
			negative += p.Text
			continue
		}
		if prompt != "" {
			prompt += ", "
		}
		prompt += p.Text
	}

	seed := req.Seed
	if seed == 0 {
		seed = -1 // engine picks
	}
	engineReq := txt2imgRequest{
		Prompt:         prompt,
		NegativePrompt: negative,
		Height:         req.Height,
		Width:          req.Width,
		Steps:          req.Steps,
		BatchSize:      req.Samples,
		CfgScale:       req.CfgScale,
		SamplerName:    req.Sampler,
		Seed:           seed,
	}

	var reply txt2imgReply
	if err := postJSON(ctx, w.env, w.env.ImageEngineURL+"/txt2img", &engineReq, &reply); err != nil {
		return nil, err
	}
	if len(reply.Images) == 0 {
		return nil, fmt.Errorf("engine returned no images")
	}

	resp := model.TextToImageResponse{}
	for i, b64 := range reply.Images {
		art := model.Artifact{FinishReason: model.FinishSuccess, Seed: req.Seed}
		if w.storage == job.StorageS3 && w.env.Store != nil {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, fmt.Errorf("engine image %d is not base64: %w", i, err)
			}
			name := fmt.Sprintf("%s/%d.png", w.jobID, i)
			url, err := w.env.Store.Upload(ctx, string(job.ImageGeneration), name, data, "image/png")
			if err != nil {
				return nil, fmt.Errorf("store image %d: %w", i, err)
			}
			art.URL = url
		} else {
			art.Base64 = b64
		}
		resp.Artifacts = append(resp.Artifacts, art)
	}
	return json.Marshal(&resp)
}

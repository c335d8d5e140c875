package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"reelforge/internal/model"
)

// Stage weights for the default video pipeline. They must sum to 1.
const (
	weightScriptAnalysis  = 0.10
	weightSpeechSynthesis = 0.25
	weightAssetAssembly   = 0.25
	weightRendering       = 0.30
	weightPackaging       = 0.10
)

// NewVideo returns the default script-to-video pipeline. The stage
// bodies here are deterministic in-process stand-ins for the real
// renderer; the stage structure, weights, and result shape are the
// production contract.
func NewVideo() *Staged {
	stages := []Stage{
		{Name: "script_analysis", Weight: weightScriptAnalysis, Run: analyzeScript},
		{Name: "speech_synthesis", Weight: weightSpeechSynthesis, Run: synthesizeSpeech},
		{Name: "asset_assembly", Weight: weightAssetAssembly, Run: assembleAssets},
		{Name: "rendering", Weight: weightRendering, Run: renderVideo},
		{Name: "packaging", Weight: weightPackaging, Run: packageOutputs},
	}
	return NewStaged(stages, finishVideo)
}

func decodeRequest(job model.Job) (model.VideoRequest, error) {
	var req model.VideoRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return req, Permanentf("decode payload: %v", err)
	}
	if req.Script == "" {
		return req, Permanentf("payload has no script")
	}
	return req, nil
}

func analyzeScript(ctx context.Context, job model.Job, progress func(float64, string) error) error {
	req, err := decodeRequest(job)
	if err != nil {
		return err
	}
	if err := progress(0.5, fmt.Sprintf("analyzing %d characters", len(req.Script))); err != nil {
		return err
	}
	return nil
}

func synthesizeSpeech(ctx context.Context, job model.Job, progress func(float64, string) error) error {
	return progress(0.5, "synthesizing narration")
}

func assembleAssets(ctx context.Context, job model.Job, progress func(float64, string) error) error {
	return progress(0.5, "assembling scene assets")
}

func renderVideo(ctx context.Context, job model.Job, progress func(float64, string) error) error {
	return progress(0.5, "rendering frames")
}

func packageOutputs(ctx context.Context, job model.Job, progress func(float64, string) error) error {
	return progress(0.5, "packaging artifacts")
}

func finishVideo(ctx context.Context, job model.Job) (*model.Result, error) {
	req, err := decodeRequest(job)
	if err != nil {
		return nil, err
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "720p"
	}
	// Duration and size scale with script length in the stand-in.
	duration := float64(len(req.Script)) / 15.0
	return &model.Result{
		VideoLocator:    "vault://videos/" + job.ID.String() + ".mp4",
		PreviewLocator:  "vault://previews/" + job.ID.String() + ".jpg",
		DurationSeconds: duration,
		SizeBytes:       int64(duration * 400_000),
		Resolution:      resolution,
	}, nil
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
)

// ttsWorker synthesizes speech through an HTTP TTS engine that replies with
// raw WAV bytes.
type ttsWorker struct {
	base
	storage job.Storage
	jobID   string
}

func newTTSWorker(id string, cfg config.WorkerConfig, env *Env) Worker {
	return &ttsWorker{base: newBase(id, cfg, env)}
}

func (w *ttsWorker) SetStorage(s job.Storage, jobID string) {
	w.storage = s
	w.jobID = jobID
}

func (w *ttsWorker) Work(ctx context.Context, raw []byte) ([]byte, error) {
	var req model.TextToSpeechRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode tts request: %w", err)
	}
	if req.Text == "" {
		return nil, fmt.Errorf("tts request has no text")
	}

	engineReq := map[string]string{
		"text":       req.Text,
		"model":      w.cfg.Model,
		"language":   req.Language,
		"speaker_id": req.SpeakerID,
	}
	body, err := json.Marshal(engineReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.env.TTSEngineURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := w.env.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine unreachable: %w", err)
	}
	defer httpResp.Body.Close()
	wav, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read engine reply: %w", err)
	}
	if httpResp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("engine returned %d: %s", httpResp.StatusCode, bytes.TrimSpace(wav))
	}

	resp := model.TextToSpeechResponse{}
	if w.storage == job.StorageS3 && w.env.Store != nil {
		url, err := w.env.Store.Upload(ctx, string(job.AudioGeneration), w.jobID+".wav", wav, "audio/wav")
		if err != nil {
			return nil, fmt.Errorf("store wav: %w", err)
		}
		resp.URL = url
	} else {
		resp.WAV = wav
	}
	return json.Marshal(&resp)
}

// asrReply is the STT engine's transcript shape.
type asrReply struct {
	Language string                    `json:"language"`
	Text     string                    `json:"text"`
	Segments []model.TranscriptSegment `json:"segments,omitempty"`
}

// transcribe sends audio to the STT engine as a multipart upload.
func transcribe(ctx context.Context, env *Env, audio []byte, language string) (*asrReply, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio_file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, err
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.STTEngineURL+"/asr", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := env.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read engine reply: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("engine returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var reply asrReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode engine reply: %w", err)
	}
	return &reply, nil
}

// sttWorker transcribes whole files.
type sttWorker struct {
	base
}

func newSTTWorker(id string, cfg config.WorkerConfig, env *Env) Worker {
	return &sttWorker{base: newBase(id, cfg, env)}
}

func (w *sttWorker) Work(ctx context.Context, raw []byte) ([]byte, error) {
	var req model.SpeechToTextRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode stt request: %w", err)
	}
	if len(req.File) == 0 {
		return nil, fmt.Errorf("stt request has no audio")
	}

	reply, err := transcribe(ctx, w.env, req.File, req.Language)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&model.SpeechToTextResponse{Language: reply.Language, Text: reply.Text})
}

// sttStreamWorker transcribes incrementally: PCM chunks accumulate across
// Stream calls and the growing buffer is re-transcribed, emitting the
// segments seen so far as JSON frames.
type sttStreamWorker struct {
	base
	buf []byte
}

func newSTTStreamWorker(id string, cfg config.WorkerConfig, env *Env) Worker {
	return &sttStreamWorker{base: newBase(id, cfg, env)}
}

// Work is not supported; this worker only streams.
func (w *sttStreamWorker) Work(ctx context.Context, raw []byte) ([]byte, error) {
	return nil, fmt.Errorf("worker %s only streams", w.id)
}

func (w *sttStreamWorker) StreamStart(ctx context.Context, s Session) error {
	w.buf = nil
	return w.runSession(ctx, w, s)
}

func (w *sttStreamWorker) Stream(ctx context.Context, frame []byte) ([]byte, error) {
	w.buf = append(w.buf, frame...)

	reply, err := transcribe(ctx, w.env, w.buf, "")
	if err != nil {
		return nil, err
	}
	out := model.TranscriptFrame{Segments: reply.Segments, IsFinal: false}
	if out.Segments == nil && reply.Text != "" {
		out.Segments = []model.TranscriptSegment{{Text: reply.Text}}
	}
	return json.Marshal(&out)
}

// Cleanup drops the accumulated audio.
func (w *sttStreamWorker) Cleanup() error {
	w.buf = nil
	return nil
}

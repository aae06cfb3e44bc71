package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/queue"
)

// maxBodyBytes 请求体上限，足够容纳几分钟的 float 数组。
const maxBodyBytes = 32 << 20

// defaultPlayRate 未指定采样率时按 Piper 的输出处理。
const defaultPlayRate = 22050

// TTSRequest 是 POST /tts 的请求体。
type TTSRequest struct {
	Text     string `json:"text"`
	Priority bool   `json:"priority,omitempty"`
}

// PlayRequest 是 POST /play 的 JSON 请求体。
// 也可以直接以 audio/wav 作为请求体，优先级通过 ?priority=true 指定。
type PlayRequest struct {
	AudioData  []float32 `json:"audio_data"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Priority   bool      `json:"priority,omitempty"`
}

// TaskResponse 是提交成功后的响应。
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// ActionResponse 是控制类接口的响应。
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse 错误响应。
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeEnqueueError 把入队错误映射为状态码。
func writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue is full")
	case errors.Is(err, audio.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, "audio is empty")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActionResponse{Status: "ok"})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req TTSRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if s.maxTextLength > 0 && utf8.RuneCountInString(req.Text) > s.maxTextLength {
		writeError(w, http.StatusBadRequest, "text exceeds maximum length")
		return
	}

	id, err := s.pipeline.Enqueue(req.Text, req.Priority)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: id})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var (
		buf      *audio.Buffer
		priority bool
	)
	if isWAV(r.Header.Get("Content-Type")) {
		data, err := io.ReadAll(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		buf, err = audio.DecodeWAV(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = r.URL.Query().Get("priority") == "true"
	} else {
		var req PlayRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.SampleRate == 0 {
			req.SampleRate = defaultPlayRate
		}
		if req.SampleRate < 0 || req.Channels < 0 || req.Channels > 2 {
			writeError(w, http.StatusBadRequest, "invalid audio format")
			return
		}
		buf = audio.NewBuffer(req.AudioData, req.SampleRate, req.Channels)
		priority = req.Priority
	}

	if err := buf.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.pipeline.EnqueueAudio(buf, priority)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: id})
}

func isWAV(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "audio/wav") || strings.HasPrefix(ct, "audio/x-wav") || strings.HasPrefix(ct, "audio/wave")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleItemStatus(w http.ResponseWriter, r *http.Request) {
	it, err := s.pipeline.ItemStatus(r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Pause()
	writeJSON(w, http.StatusOK, ActionResponse{Status: "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Resume()
	writeJSON(w, http.StatusOK, ActionResponse{Status: "resumed"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Stop()
	writeJSON(w, http.StatusOK, ActionResponse{Status: "stopped"})
}

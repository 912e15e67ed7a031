package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// 동기 호출 경계에서 즉시 반환되는 에러들
var (
	ErrSpawn             = errors.New("process spawn failed")
	ErrAlreadyActive     = errors.New("live session already active")
	ErrNotActive         = errors.New("live session not active")
	ErrAlreadyRecording  = errors.New("recording already active")
	ErrNotRecording      = errors.New("recording not active")
	ErrSourceNotLive     = errors.New("camera stream must be active to start recording")
	ErrSourceNotFound    = errors.New("camera not found")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrSourceUnreachable = errors.New("source unreachable")
	ErrStreamStalled     = errors.New("stream stalled")
)

// ProcessExitError는 요청되지 않은 프로세스 종료를 나타냅니다
type ProcessExitError struct {
	SourceID       string
	Kind           string
	ExitCode       int
	Signal         string
	LastErrorLines []string
}

func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("%s process for camera %s exited with code %d", e.Kind, e.SourceID, e.ExitCode)
	if e.Signal != "" {
		msg += " (signal " + e.Signal + ")"
	}
	if len(e.LastErrorLines) > 0 {
		msg += ": " + strings.Join(e.LastErrorLines, " | ")
	}
	return msg
}

// CleanupItemError는 정리 배치 중 개별 녹화 삭제 실패입니다 (배치는 계속 진행)
type CleanupItemError struct {
	RecordingID string `json:"recordingId"`
	Path        string `json:"path,omitempty"`
	Err         error  `json:"-"`
}

func (e *CleanupItemError) Error() string {
	return fmt.Sprintf("recording %s: %v", e.RecordingID, e.Err)
}

func (e *CleanupItemError) Unwrap() error {
	return e.Err
}

// MarshalJSON은 API 응답에 에러 메시지를 포함시킵니다
func (e CleanupItemError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		RecordingID string `json:"recordingId"`
		Path        string `json:"path,omitempty"`
		Error       string `json:"error"`
	}{e.RecordingID, e.Path, msg})
}

package core

import (
	"net/url"
	"strings"
	"time"
)

// Source는 카메라 정보입니다 (레코드 저장소 소유, 코어에서는 읽기 전용)
type Source struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StreamURL  string    `json:"streamUrl"`
	Location   string    `json:"location"`
	Username   string    `json:"username,omitempty"`
	Password   string    `json:"-"`
	Resolution string    `json:"resolution"`
	FPS        string    `json:"fps"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TransportURL은 자격 증명이 반영된 스트림 주소를 반환합니다.
// URL에 이미 user info가 있으면 그대로 사용합니다.
func (s Source) TransportURL() string {
	if s.Username == "" {
		return s.StreamURL
	}

	u, err := url.Parse(s.StreamURL)
	if err != nil || u.User != nil {
		return s.StreamURL
	}

	u.User = url.UserPassword(s.Username, s.Password)
	return u.String()
}

// IsHTTP는 HTTP(S) 기반 소스인지 확인합니다
func (s Source) IsHTTP() bool {
	return strings.HasPrefix(s.StreamURL, "http")
}

// RecordingStatus는 녹화 레코드 상태
type RecordingStatus string

const (
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
	RecordingStatusProcessing RecordingStatus = "processing"
)

// RecordingType은 녹화 유형
type RecordingType string

const (
	RecordingTypeManual     RecordingType = "manual"
	RecordingTypeContinuous RecordingType = "continuous"
	RecordingTypeMotion     RecordingType = "motion"
	RecordingTypeScheduled  RecordingType = "scheduled"
)

// RecordingError는 실패한 녹화의 에러 정보
type RecordingError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recording은 영속 녹화 레코드입니다
type Recording struct {
	ID            string          `json:"id"`
	CameraID      string          `json:"cameraId"`
	Type          RecordingType   `json:"type"`
	Status        RecordingStatus `json:"status"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	Duration      int64           `json:"duration"` // 초 단위
	FilePath      string          `json:"filePath"`
	FileSize      int64           `json:"fileSize"` // 바이트 단위
	ThumbnailPath string          `json:"thumbnailPath,omitempty"`
	Resolution    string          `json:"resolution"`
	FPS           string          `json:"fps"`
	Error         *RecordingError `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Complete는 녹화를 완료 상태로 전이시킵니다
func (r *Recording) Complete(endTime time.Time, size int64) {
	r.EndTime = &endTime
	r.Status = RecordingStatusCompleted
	r.Duration = int64(endTime.Sub(r.StartTime).Round(time.Second) / time.Second)
	r.FileSize = size
	r.Error = nil
}

// Fail은 녹화를 실패 상태로 전이시킵니다
func (r *Recording) Fail(endTime time.Time, message, code string) {
	r.EndTime = &endTime
	r.Status = RecordingStatusFailed
	r.Duration = int64(endTime.Sub(r.StartTime).Round(time.Second) / time.Second)
	r.Error = &RecordingError{
		Message:   message,
		Code:      code,
		Timestamp: endTime,
	}
}

// StorageSettings는 저장소 소유의 보존 설정입니다
type StorageSettings struct {
	MaxSizeGB        int    `json:"maxSize"`
	CleanupThreshold int    `json:"cleanupThreshold"` // 퍼센트
	RetentionDays    int    `json:"retentionDays"`
	Path             string `json:"path"`
}

// RetentionCutoff는 보존 기간 경계 시각을 반환합니다
func (s StorageSettings) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -s.RetentionDays)
}

// DiskUsage는 파일시스템 사용량 (바이트)
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// UsedPercent는 사용률(%)을 반환합니다
func (d DiskUsage) UsedPercent() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Used) / float64(d.Total) * 100
}

// StorageSnapshot은 디스크 사용량과 보존 설정을 합친 파생 정보입니다
type StorageSnapshot struct {
	Disk        DiskUsage       `json:"disk"`
	UsedPercent float64         `json:"usedPercent"`
	Settings    StorageSettings `json:"settings"`
	TakenAt     time.Time       `json:"takenAt"`
}

// RecordingStats는 녹화 저장 통계
type RecordingStats struct {
	Count         int   `json:"count"`
	TotalSize     int64 `json:"totalSize"`
	TotalDuration int64 `json:"totalDuration"`
}

// FileInfo는 파일 존재 여부와 크기
type FileInfo struct {
	Size   int64
	Exists bool
}

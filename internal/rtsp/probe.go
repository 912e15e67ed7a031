package rtsp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"go.uber.org/zap"
)

// MediaInfo는 DESCRIBE로 확인한 미디어 포맷 정보
type MediaInfo struct {
	Type        string `json:"type"`
	Codec       string `json:"codec"`
	PayloadType uint8  `json:"payloadType"`
}

// ProbeResult는 소스 프로브 결과
type ProbeResult struct {
	URL     string        `json:"url"`
	Medias  []MediaInfo   `json:"medias"`
	Latency time.Duration `json:"latency"`
}

// Prober는 RTSP DESCRIBE로 소스 도달 가능 여부를 확인합니다
type Prober struct {
	transport  string // "tcp" or "udp"
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// ProberConfig는 프로버 설정
type ProberConfig struct {
	Transport  string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// NewProber는 새로운 RTSP 프로버를 생성합니다
func NewProber(config ProberConfig) *Prober {
	// 기본값 설정
	if config.Transport == "" {
		config.Transport = "tcp"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount <= 0 {
		config.RetryCount = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Prober{
		transport:  config.Transport,
		timeout:    config.Timeout,
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		logger:     config.Logger,
	}
}

// Supports는 RTSP 소스인지 확인합니다
func (p *Prober) Supports(sourceURL string) bool {
	return strings.HasPrefix(sourceURL, "rtsp://") || strings.HasPrefix(sourceURL, "rtsps://")
}

// Probe는 소스가 DESCRIBE에 응답하는지 확인합니다
func (p *Prober) Probe(ctx context.Context, sourceURL string) error {
	_, err := p.Describe(ctx, sourceURL)
	return err
}

// Describe는 재시도와 함께 DESCRIBE를 수행하고 미디어 포맷 목록을 반환합니다
func (p *Prober) Describe(ctx context.Context, sourceURL string) (*ProbeResult, error) {
	if !p.Supports(sourceURL) {
		return nil, fmt.Errorf("unsupported source scheme: %s", maskURL(sourceURL))
	}

	var lastErr error
	for attempt := 1; attempt <= p.retryCount; attempt++ {
		result, err := p.describe(ctx, sourceURL)
		if err == nil {
			return result, nil
		}
		lastErr = err

		p.logger.Warn("RTSP probe failed",
			zap.String("url", maskURL(sourceURL)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.retryCount),
			zap.Error(err),
		)

		if attempt == p.retryCount || ctx.Err() != nil {
			break
		}

		// 재시도 대기
		select {
		case <-time.After(p.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// describe는 연결, DESCRIBE, 종료를 한 번 수행합니다
func (p *Prober) describe(ctx context.Context, sourceURL string) (*ProbeResult, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	baseURL, err := base.ParseURL(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	client := &gortsplib.Client{
		Transport:    p.getTransport(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	started := time.Now()

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	type describeResult struct {
		result *ProbeResult
		err    error
	}
	done := make(chan describeResult, 1)

	go func() {
		desc, _, err := client.Describe(baseURL)
		if err != nil {
			done <- describeResult{err: fmt.Errorf("failed to describe: %w", err)}
			return
		}

		result := &ProbeResult{URL: maskURL(sourceURL), Medias: []MediaInfo{}}
		for _, media := range desc.Medias {
			for _, forma := range media.Formats {
				result.Medias = append(result.Medias, MediaInfo{
					Type:        string(media.Type),
					Codec:       forma.Codec(),
					PayloadType: forma.PayloadType(),
				})
			}
		}
		result.Latency = time.Since(started)
		done <- describeResult{result: result}
	}()

	select {
	case r := <-done:
		client.Close()
		if r.err != nil {
			return nil, r.err
		}
		p.logger.Debug("RTSP probe succeeded",
			zap.String("url", r.result.URL),
			zap.Int("media_count", len(r.result.Medias)),
			zap.Duration("latency", r.result.Latency),
		)
		return r.result, nil
	case <-ctx.Done():
		// Close로 진행 중인 DESCRIBE를 중단
		client.Close()
		<-done
		return nil, ctx.Err()
	}
}

// getTransport는 전송 프로토콜을 반환합니다
func (p *Prober) getTransport() *gortsplib.Transport {
	if p.transport == "udp" {
		transport := gortsplib.TransportUDP
		return &transport
	}
	transport := gortsplib.TransportTCP
	return &transport
}

// maskURL은 비밀번호를 마스킹한 URL을 반환합니다
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}

	if u.User != nil {
		u.User = url.User(u.User.Username())
	}

	return u.String()
}

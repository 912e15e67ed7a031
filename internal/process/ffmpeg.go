package process

import (
	"net/url"
	"strconv"
	"strings"
)

// LiveOptions는 라이브 디코드 출력 형식 (모든 카메라에 동일한 중간 프레임 크기)
type LiveOptions struct {
	Width   int
	Height  int
	FPS     int
	Quality int
}

// LiveArgs는 소스를 MJPEG image2pipe로 stdout에 출력하는 인자를 생성합니다
func LiveArgs(sourceURL string, opts LiveOptions) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, inputArgs(sourceURL, true)...)

	return append(args,
		"-f", "image2pipe",
		"-vf", "scale="+strconv.Itoa(opts.Width)+":"+strconv.Itoa(opts.Height),
		"-pix_fmt", "yuv420p",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(opts.Quality),
		"-r", strconv.Itoa(opts.FPS),
		"-",
	)
}

// RecordingArgs는 소스를 무손실 복사로 파일에 기록하는 인자를 생성합니다
func RecordingArgs(sourceURL, outputPath string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	args = append(args, inputArgs(sourceURL, false)...)

	return append(args,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	)
}

func inputArgs(sourceURL string, realtime bool) []string {
	if strings.HasPrefix(sourceURL, "http") {
		if realtime {
			// 네이티브 프레임 레이트로 읽기
			return []string{"-re", "-i", sourceURL}
		}
		return []string{"-i", sourceURL}
	}
	if strings.HasPrefix(sourceURL, "rtsp") {
		return []string{"-rtsp_transport", "tcp", "-i", sourceURL}
	}
	return []string{"-i", sourceURL}
}

// MaskURL은 로그 출력을 위해 URL의 비밀번호를 마스킹합니다
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}

	return u.String()
}

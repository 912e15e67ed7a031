// Package mjpeg는 image2pipe MJPEG 바이트 스트림을 개별 JPEG 프레임으로 분리합니다.
package mjpeg

import (
	"errors"
	"fmt"
)

// JPEG SOI / EOI 마커. 인코딩 계약의 일부이므로 설정으로 바꾸지 않습니다.
const (
	markerPrefix = 0xFF
	markerStart  = 0xD8
	markerEnd    = 0xD9
)

// ErrFrameTooLarge는 종료 마커 없이 누적 버퍼가 상한을 넘었을 때 반환됩니다
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame은 시작 마커부터 종료 마커까지(포함)의 완전한 JPEG 이미지
type Frame []byte

// Demuxer는 청크 경계를 넘어 프레임 데이터를 누적합니다.
// 하나의 파이프라인 고루틴만 소유해야 하며 동시 호출에 안전하지 않습니다.
type Demuxer struct {
	buf     []byte
	inFrame bool
	lastFF  bool // 직전 바이트가 0xFF (청크 경계에 걸친 마커 처리용)
	maxSize int

	framesEmitted   uint64
	framesDiscarded uint64
}

// NewDemuxer는 새로운 디먹서를 생성합니다. maxSize가 0 이하이면 상한이 없습니다.
func NewDemuxer(maxSize int) *Demuxer {
	return &Demuxer{
		maxSize: maxSize,
	}
}

// Feed는 청크를 소비하고 완성된 프레임들을 반환합니다.
//
// 진행 중인 프레임이 있는데 새 시작 마커가 나오면 이전 데이터는 버리고
// 새 마커부터 다시 누적합니다. 누적 버퍼가 maxSize를 넘으면 버퍼를 비우고
// 그 시점까지 완성된 프레임과 함께 ErrFrameTooLarge를 반환합니다.
func (d *Demuxer) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame

	for _, b := range chunk {
		prevFF := d.lastFF
		d.lastFF = b == markerPrefix

		if prevFF && b == markerStart {
			if d.inFrame {
				d.framesDiscarded++
			}
			d.buf = append(d.buf[:0], markerPrefix, markerStart)
			d.inFrame = true
			d.lastFF = false
			continue
		}

		if !d.inFrame {
			continue
		}

		d.buf = append(d.buf, b)

		if prevFF && b == markerEnd {
			frame := make(Frame, len(d.buf))
			copy(frame, d.buf)
			frames = append(frames, frame)
			d.framesEmitted++

			d.buf = d.buf[:0]
			d.inFrame = false
			d.lastFF = false
			continue
		}

		if d.maxSize > 0 && len(d.buf) > d.maxSize {
			size := len(d.buf)
			d.Reset()
			d.framesDiscarded++
			return frames, fmt.Errorf("%w: %d bytes without end marker (limit %d)", ErrFrameTooLarge, size, d.maxSize)
		}
	}

	return frames, nil
}

// Reset은 누적 상태를 비웁니다
func (d *Demuxer) Reset() {
	d.buf = nil
	d.inFrame = false
	d.lastFF = false
}

// Buffered는 현재 누적 중인 바이트 수를 반환합니다
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// Stats는 방출/폐기된 프레임 수를 반환합니다
func (d *Demuxer) Stats() (emitted, discarded uint64) {
	return d.framesEmitted, d.framesDiscarded
}

package mjpeg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpeg(payload ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

// TestFeedSingleFrame은 시작/종료 마커 한 쌍에서 정확히 한 프레임이 나오는지 확인합니다
func TestFeedSingleFrame(t *testing.T) {
	cases := map[string][]byte{
		"bare":          jpeg(0x01, 0x02, 0x03),
		"leading noise": append([]byte{0x00, 0x11, 0xFF, 0x00}, jpeg(0x01, 0x02)...),
		"empty payload": jpeg(),
		"embedded 0xFF": jpeg(0xFF, 0x00, 0xFF, 0xFF, 0x10),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDemuxer(0)
			frames, err := d.Feed(input)
			require.NoError(t, err)
			require.Len(t, frames, 1)

			start := bytes.Index(input, []byte{0xFF, 0xD8})
			assert.Equal(t, input[start:], []byte(frames[0]))
			assert.Zero(t, d.Buffered())
		})
	}
}

func TestFeedAcrossChunks(t *testing.T) {
	input := jpeg(0x10, 0x20, 0x30, 0x40)

	// 모든 분할 지점 (마커 중간 분할 포함)
	for split := 1; split < len(input); split++ {
		d := NewDemuxer(0)

		first, err := d.Feed(input[:split])
		require.NoError(t, err)
		assert.Empty(t, first, "split=%d", split)

		second, err := d.Feed(input[split:])
		require.NoError(t, err)
		require.Len(t, second, 1, "split=%d", split)
		assert.Equal(t, input, []byte(second[0]))
	}
}

func TestFeedMultipleFramesInOneChunk(t *testing.T) {
	a := jpeg(0x01)
	b := jpeg(0x02, 0x03)
	c := jpeg(0x04, 0x05, 0x06)

	input := append(append(append([]byte{}, a...), b...), c...)

	d := NewDemuxer(0)
	frames, err := d.Feed(input)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, a, []byte(frames[0]))
	assert.Equal(t, b, []byte(frames[1]))
	assert.Equal(t, c, []byte(frames[2]))

	emitted, discarded := d.Stats()
	assert.Equal(t, uint64(3), emitted)
	assert.Zero(t, discarded)
}

// TestFeedResynchronizesOnNewStart는 종료 마커 전에 새 시작 마커가 나오면
// 이전 부분 데이터가 버려지는지 확인합니다
func TestFeedResynchronizesOnNewStart(t *testing.T) {
	d := NewDemuxer(0)

	frames, err := d.Feed([]byte{0xFF, 0xD8, 0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	assert.Empty(t, frames)

	second := jpeg(0x01, 0x02)
	frames, err = d.Feed(second)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, second, []byte(frames[0]))
	assert.NotContains(t, string(frames[0]), string([]byte{0xAA, 0xBB, 0xCC}))

	_, discarded := d.Stats()
	assert.Equal(t, uint64(1), discarded)
}

func TestFeedIgnoresEndMarkerWithoutStart(t *testing.T) {
	d := NewDemuxer(0)

	frames, err := d.Feed([]byte{0x00, 0xFF, 0xD9, 0x01})
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, d.Buffered())
}

func TestFeedAfterRestartNeedsNoReset(t *testing.T) {
	d := NewDemuxer(0)

	// 이전 프로세스가 프레임 중간에 종료됨
	_, err := d.Feed([]byte{0xFF, 0xD8, 0x01, 0x02})
	require.NoError(t, err)

	// 새 프로세스의 출력
	fresh := jpeg(0x09)
	frames, err := d.Feed(fresh)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, fresh, []byte(frames[0]))
}

func TestFeedFrameTooLarge(t *testing.T) {
	d := NewDemuxer(16)

	complete := jpeg(0x01)
	input := append(append([]byte{}, complete...), 0xFF, 0xD8)
	input = append(input, bytes.Repeat([]byte{0x42}, 32)...)

	frames, err := d.Feed(input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
	require.Len(t, frames, 1, "frames completed before the overflow are still returned")
	assert.Equal(t, complete, []byte(frames[0]))
	assert.Zero(t, d.Buffered())

	// 상한 초과 후에도 다음 프레임은 정상 처리
	next := jpeg(0x07)
	frames, err = d.Feed(next)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestFramesAreIndependentCopies(t *testing.T) {
	d := NewDemuxer(0)

	frames, err := d.Feed(append(jpeg(0x01), jpeg(0x02)...))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	frames[0][2] = 0x99
	assert.Equal(t, byte(0x02), frames[1][2])
}

package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/iabetor/pispeak/internal/audio"
)

// decodeMP3 把 MP3 数据解码为单声道 float32 样本。
// go-mp3 总是输出立体声 signed 16-bit LE PCM。
func decodeMP3(ctx context.Context, data []byte) ([]float32, int, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("[tts] MP3 解码失败: %w", err)
	}

	var pcm bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		n, err := decoder.Read(chunk)
		pcm.Write(chunk[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("[tts] 读取 PCM 数据失败: %w", err)
		}
	}

	// 截掉不完整的尾部帧，每个立体声帧 4 字节
	raw := pcm.Bytes()
	raw = raw[:len(raw)/4*4]
	stereo := audio.BytesToFloat32(raw)
	return audio.StereoToMono(stereo), decoder.SampleRate(), nil
}

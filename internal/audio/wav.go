package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize 是标准 PCM WAV 文件头的字节数。
const wavHeaderSize = 44

// ErrInvalidWAV 表示数据不是可识别的 16-bit PCM WAV。
var ErrInvalidWAV = errors.New("无效的 WAV 数据")

// EncodeWAV 将缓冲区编码为 16-bit PCM WAV 文件。
func EncodeWAV(b *Buffer) []byte {
	pcm := Float32ToBytes(b.Samples)
	channels := b.Channels
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * 2
	byteRate := b.SampleRate * blockAlign

	out := make([]byte, wavHeaderSize, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(b.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	return append(out, pcm...)
}

// DecodeWAV 解析 16-bit PCM WAV 文件。
// 逐块扫描 RIFF，跳过 LIST 等附加块，不假定 data 块紧跟在 44 字节之后。
func DecodeWAV(data []byte) (*Buffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: 缺少 RIFF/WAVE 标识", ErrInvalidWAV)
	}

	var (
		channels   int
		sampleRate int
		bits       int
		gotFmt     bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// piper 流式输出时 data 块长度可能未回填
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("%w: fmt 块过短", ErrInvalidWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, fmt.Errorf("%w: 不支持的编码格式 %d", ErrInvalidWAV, format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, fmt.Errorf("%w: data 块出现在 fmt 块之前", ErrInvalidWAV)
			}
			if bits != 16 {
				return nil, fmt.Errorf("%w: 仅支持 16-bit 样本，当前 %d", ErrInvalidWAV, bits)
			}
			return NewBuffer(BytesToFloat32(data[body:end]), sampleRate, channels), nil
		}

		// 块长度为奇数时有 1 字节填充
		pos = end + size%2
	}
	return nil, fmt.Errorf("%w: 缺少 data 块", ErrInvalidWAV)
}

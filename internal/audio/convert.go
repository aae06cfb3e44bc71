package audio

import (
	"math"
)

// normalizePeak 归一化后的峰值，留出一点余量避免削波。
const normalizePeak = 0.9

// Int16ToFloat32 将 PCM int16 样本转换为 [-1.0, 1.0] 范围的 float32。
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Float32ToInt16 将 [-1.0, 1.0] 范围的 float32 样本转换为 PCM int16。
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		// 钳位到 [-1.0, 1.0]
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// BytesToInt16 将小端字节切片转换为 int16 样本。
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Int16ToBytes 将 int16 样本转换为小端字节切片。
func Int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// BytesToFloat32 便捷函数：将原始 PCM 字节直接转换为 float32。
func BytesToFloat32(b []byte) []float32 {
	return Int16ToFloat32(BytesToInt16(b))
}

// Float32ToBytes 便捷函数：将 float32 样本直接转换为原始 PCM 字节。
func Float32ToBytes(in []float32) []byte {
	return Int16ToBytes(Float32ToInt16(in))
}

// StereoToMono 将交错的立体声样本左右取平均得到单声道。
func StereoToMono(in []float32) []float32 {
	n := len(in) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = (in[2*i] + in[2*i+1]) / 2
	}
	return out
}

// MonoToStereo 将单声道样本复制到左右两个声道。
func MonoToStereo(in []float32) []float32 {
	out := make([]float32, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// ToChannels 将缓冲区转换为目标声道数（仅支持 1 ↔ 2），返回新缓冲区。
func ToChannels(b *Buffer, channels int) *Buffer {
	switch {
	case b.Channels == channels:
		return b.Clone()
	case b.Channels == 1 && channels == 2:
		return NewBuffer(MonoToStereo(b.Samples), b.SampleRate, 2)
	case b.Channels == 2 && channels == 1:
		return NewBuffer(StereoToMono(b.Samples), b.SampleRate, 1)
	}
	return b.Clone()
}

// Resample 使用线性插值将缓冲区重采样到 dstRate，逐声道处理交错样本。
func Resample(b *Buffer, dstRate int) *Buffer {
	if b.SampleRate == dstRate || b.SampleRate <= 0 || dstRate <= 0 {
		return b.Clone()
	}

	ch := b.Channels
	srcFrames := b.Frames()
	if srcFrames == 0 {
		return NewBuffer(nil, dstRate, ch)
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(b.SampleRate))
	if dstFrames < 1 {
		dstFrames = 1
	}

	out := make([]float32, dstFrames*ch)
	ratio := float64(srcFrames-1) / float64(max(dstFrames-1, 1))
	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * ratio
		i0 := int(pos)
		i1 := i0 + 1
		if i1 >= srcFrames {
			i1 = srcFrames - 1
		}
		frac := float32(pos - float64(i0))
		for c := 0; c < ch; c++ {
			s0 := b.Samples[i0*ch+c]
			s1 := b.Samples[i1*ch+c]
			out[i*ch+c] = s0 + (s1-s0)*frac
		}
	}
	return NewBuffer(out, dstRate, ch)
}

// Normalize 将峰值缩放到 0.9，全静音时原样返回。
func Normalize(b *Buffer) *Buffer {
	var peak float32
	for _, s := range b.Samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	out := b.Clone()
	if peak == 0 {
		return out
	}
	gain := normalizePeak / peak
	for i := range out.Samples {
		out.Samples[i] *= gain
	}
	return out
}

// Prepare 将合成结果转换为设备输出格式：声道转换 → 重采样 → 归一化。
// 返回的缓冲区与输入互不共享内存。
func Prepare(b *Buffer, sampleRate, channels int) *Buffer {
	return Normalize(Resample(ToChannels(b, channels), sampleRate))
}

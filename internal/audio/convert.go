package audio

import (
	"encoding/binary"
	"math"
)

// DecodeSample reads one little-endian sample from src and returns it scaled to [-1, 1]
func DecodeSample(src []byte, f SampleFormat) float64 {
	switch f.Encoding {
	case EncodingFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	case EncodingUnsigned:
		switch f.BitDepth {
		case 8:
			return (float64(src[0]) - 128) / 128
		case 16:
			return (float64(binary.LittleEndian.Uint16(src)) - 32768) / 32768
		case 24:
			v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
			return (float64(v) - 8388608) / 8388608
		case 32:
			return (float64(binary.LittleEndian.Uint32(src)) - 2147483648) / 2147483648
		}
	default:
		switch f.BitDepth {
		case 8:
			return float64(int8(src[0])) / 128
		case 16:
			return float64(int16(binary.LittleEndian.Uint16(src))) / 32768
		case 24:
			v := int32(src[0]) | int32(src[1])<<8 | int32(src[2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF // sign extend
			}
			return float64(v) / 8388608
		case 32:
			return float64(int32(binary.LittleEndian.Uint32(src))) / 2147483648
		}
	}
	return 0
}

// EncodeSample writes v, clamped to [-1, 1], as one little-endian sample into
// dst. Integer encodings use the same 2^(n-1) scale as DecodeSample, so a
// decoded sample re-encodes to the same bits.
func EncodeSample(dst []byte, f SampleFormat, v float64) {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	switch f.Encoding {
	case EncodingFloat:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case EncodingUnsigned:
		switch f.BitDepth {
		case 8:
			dst[0] = byte(scale(v, 8) + 128)
		case 16:
			binary.LittleEndian.PutUint16(dst, uint16(scale(v, 16)+32768))
		case 24:
			u := uint32(scale(v, 24) + 8388608)
			dst[0], dst[1], dst[2] = byte(u), byte(u>>8), byte(u>>16)
		case 32:
			binary.LittleEndian.PutUint32(dst, uint32(scale(v, 32)+2147483648))
		}
	default:
		switch f.BitDepth {
		case 8:
			dst[0] = byte(int8(scale(v, 8)))
		case 16:
			binary.LittleEndian.PutUint16(dst, uint16(int16(scale(v, 16))))
		case 24:
			s := int32(scale(v, 24))
			dst[0], dst[1], dst[2] = byte(s), byte(s>>8), byte(s>>16)
		case 32:
			binary.LittleEndian.PutUint32(dst, uint32(int32(scale(v, 32))))
		}
	}
}

// scale maps v in [-1, 1] onto a signed bits-wide integer, clamping +1.0 to
// the largest positive value
func scale(v float64, bits int) int64 {
	half := int64(1) << (bits - 1)
	return min(int64(math.Round(v*float64(half))), half-1)
}

// DecodeFrames converts interleaved PCM into float samples, returning the
// number of whole frames decoded. dst must hold frames*channels values.
func DecodeFrames(dst []float64, src []byte, f SampleFormat) int {
	bps := f.BytesPerSample()
	frames := min(f.FramesForBytes(len(src)), len(dst)/f.Channels)
	for i := 0; i < frames*f.Channels; i++ {
		dst[i] = DecodeSample(src[i*bps:], f)
	}
	return frames
}

// EncodeFrames converts interleaved float samples into PCM, returning the number of frames written
func EncodeFrames(dst []byte, src []float64, f SampleFormat) int {
	bps := f.BytesPerSample()
	frames := min(f.FramesForBytes(len(dst)), len(src)/f.Channels)
	for i := 0; i < frames*f.Channels; i++ {
		EncodeSample(dst[i*bps:], f, src[i])
	}
	return frames
}

// RemapChannels converts interleaved float frames from one channel count to
// another. Mono is duplicated to every output channel, any layout going to
// mono is averaged, and other layouts copy matching channels and fill the
// rest with the average. Returns the number of frames converted.
func RemapChannels(dst []float64, dstChannels int, src []float64, srcChannels int) int {
	frames := min(len(src)/srcChannels, len(dst)/dstChannels)
	for i := 0; i < frames; i++ {
		in := src[i*srcChannels : (i+1)*srcChannels]
		out := dst[i*dstChannels : (i+1)*dstChannels]

		if srcChannels == dstChannels {
			copy(out, in)
			continue
		}
		var sum float64
		for _, v := range in {
			sum += v
		}
		avg := sum / float64(srcChannels)
		switch {
		case srcChannels == 1:
			for c := range out {
				out[c] = in[0]
			}
		case dstChannels == 1:
			out[0] = avg
		default:
			for c := range out {
				if c < srcChannels {
					out[c] = in[c]
				} else {
					out[c] = avg
				}
			}
		}
	}
	return frames
}

package audio

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Encoding is the numeric representation of one sample
type Encoding int

const (
	EncodingSigned Encoding = iota
	EncodingUnsigned
	EncodingFloat
)

// String returns the encoding name used in logs and configuration
func (e Encoding) String() string {
	switch e {
	case EncodingSigned:
		return "signed"
	case EncodingUnsigned:
		return "unsigned"
	case EncodingFloat:
		return "float"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding converts a configuration string into an Encoding
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "signed", "s", "int":
		return EncodingSigned, nil
	case "unsigned", "u", "uint":
		return EncodingUnsigned, nil
	case "float", "f":
		return EncodingFloat, nil
	default:
		return EncodingSigned, fmt.Errorf("%w: unknown encoding %q", InvalidArgument, s)
	}
}

// Family groups encodings that can stand in for each other during negotiation
type Family int

const (
	FamilyInteger Family = iota
	FamilyFloat
)

// Family returns the encoding family: signed and unsigned PCM are both integer PCM
func (e Encoding) Family() Family {
	if e == EncodingFloat {
		return FamilyFloat
	}
	return FamilyInteger
}

// SampleFormat describes interleaved PCM as exchanged with a device
type SampleFormat struct {
	Encoding   Encoding
	BitDepth   int
	Channels   int
	SampleRate int
}

// Sample types at the default stereo 48 kHz layout
var (
	FormatU8  = SampleFormat{Encoding: EncodingUnsigned, BitDepth: 8, Channels: 2, SampleRate: 48000}
	FormatS16 = SampleFormat{Encoding: EncodingSigned, BitDepth: 16, Channels: 2, SampleRate: 48000}
	FormatS24 = SampleFormat{Encoding: EncodingSigned, BitDepth: 24, Channels: 2, SampleRate: 48000}
	FormatS32 = SampleFormat{Encoding: EncodingSigned, BitDepth: 32, Channels: 2, SampleRate: 48000}
	FormatF32 = SampleFormat{Encoding: EncodingFloat, BitDepth: 32, Channels: 2, SampleRate: 48000}
)

// StandardRates are the sample rates backends advertise when the native layer resamples
var StandardRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// Validate checks the SampleFormat invariants
func (f SampleFormat) Validate() error {
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d not in {8,16,24,32}", InvalidArgument, f.BitDepth)
	}
	if f.Encoding == EncodingFloat && f.BitDepth != 32 {
		return fmt.Errorf("%w: float samples must be 32-bit, got %d", InvalidArgument, f.BitDepth)
	}
	if f.Encoding < EncodingSigned || f.Encoding > EncodingFloat {
		return fmt.Errorf("%w: unknown encoding %d", InvalidArgument, int(f.Encoding))
	}
	if f.Channels < 1 {
		return fmt.Errorf("%w: channel count must be >= 1, got %d", InvalidArgument, f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be > 0, got %d", InvalidArgument, f.SampleRate)
	}
	return nil
}

// BytesPerSample returns the size of one sample of one channel
func (f SampleFormat) BytesPerSample() int {
	return f.BitDepth / 8
}

// FrameSize returns the size of one interleaved frame in bytes
func (f SampleFormat) FrameSize() int {
	return f.BytesPerSample() * f.Channels
}

// BytesForFrames returns the byte length of n frames
func (f SampleFormat) BytesForFrames(n int) int {
	return n * f.FrameSize()
}

// FramesForBytes returns how many whole frames fit in n bytes
func (f SampleFormat) FramesForBytes(n int) int {
	size := f.FrameSize()
	if size == 0 {
		return 0
	}
	return n / size
}

// Duration returns the playback time of n frames
func (f SampleFormat) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// FramesForDuration returns the frame count covering d, rounded down
func (f SampleFormat) FramesForDuration(d time.Duration) int {
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// SilenceByte is the neutral value for every byte of a sample; unsigned
// 8-bit PCM is centered on 0x80, everything else is zero.
func (f SampleFormat) SilenceByte() byte {
	if f.Encoding == EncodingUnsigned && f.BitDepth == 8 {
		return 0x80
	}
	return 0
}

// FillSilence writes the format-appropriate neutral value into buf
func (f SampleFormat) FillSilence(buf []byte) {
	if f.Encoding == EncodingUnsigned && f.BitDepth > 8 {
		// wider unsigned samples are centered on their top bit, little endian
		bps := f.BytesPerSample()
		for i := 0; i+bps <= len(buf); i += bps {
			clear(buf[i : i+bps-1])
			buf[i+bps-1] = 0x80
		}
		return
	}
	b := f.SilenceByte()
	if b == 0 {
		clear(buf)
		return
	}
	for i := range buf {
		buf[i] = b
	}
}

// Name returns the short tag for the sample type, e.g. "s16" or "f32"
func (f SampleFormat) Name() string {
	prefix := "s"
	switch f.Encoding {
	case EncodingUnsigned:
		prefix = "u"
	case EncodingFloat:
		prefix = "f"
	}
	return fmt.Sprintf("%s%d", prefix, f.BitDepth)
}

func (f SampleFormat) String() string {
	return fmt.Sprintf("%s/%dch/%dHz", f.Name(), f.Channels, f.SampleRate)
}

// LogValue implements slog.LogValuer
func (f SampleFormat) LogValue() slog.Value {
	return slog.StringValue(f.String())
}

// Capabilities is the set of formats a device accepts
type Capabilities struct {
	Formats []SampleFormat
}

// Contains reports whether f is one of the supported formats
func (c Capabilities) Contains(f SampleFormat) bool {
	return slices.Contains(c.Formats, f)
}

// Empty reports whether the capability set holds no formats
func (c Capabilities) Empty() bool {
	return len(c.Formats) == 0
}

// CapabilityGrid expands every combination of the given sample types, channel
// counts and rates into a capability set. Backends whose native layer converts
// internally describe themselves this way.
func CapabilityGrid(types []SampleFormat, channels []int, rates []int) Capabilities {
	formats := make([]SampleFormat, 0, len(types)*len(channels)*len(rates))
	for _, t := range types {
		for _, ch := range channels {
			for _, rate := range rates {
				formats = append(formats, SampleFormat{
					Encoding:   t.Encoding,
					BitDepth:   t.BitDepth,
					Channels:   ch,
					SampleRate: rate,
				})
			}
		}
	}
	return Capabilities{Formats: formats}
}

// Negotiate picks the supported format closest to requested. An exact match
// wins. Otherwise the nearest rate is chosen (the lowest supported rate at or
// above the request, else the highest below it), then the requested bit depth
// if present or the widest one, then the requested channel count or the static
// mix fallback (mono->stereo, stereo->mono, else nearest preferring more).
// Negotiation fails only when no supported format shares the requested
// encoding family.
func Negotiate(requested SampleFormat, caps Capabilities) (SampleFormat, error) {
	if err := requested.Validate(); err != nil {
		return SampleFormat{}, fmt.Errorf("%w: invalid request %s: %w", FormatNotSupported, requested, err)
	}
	if caps.Contains(requested) {
		slog.Debug("format negotiated exactly", "format", requested)
		return requested, nil
	}

	family := requested.Encoding.Family()
	candidates := make([]SampleFormat, 0, len(caps.Formats))
	for _, f := range caps.Formats {
		if f.Validate() == nil && f.Encoding.Family() == family {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		slog.Debug("no supported format shares the requested encoding family",
			"requested", requested,
			"supported", len(caps.Formats))
		return SampleFormat{}, fmt.Errorf("%w: no %s-family format among %d supported formats",
			FormatNotSupported, requested.Encoding, len(caps.Formats))
	}

	rate := nearestRate(requested.SampleRate, candidates)
	candidates = slices.DeleteFunc(candidates, func(f SampleFormat) bool { return f.SampleRate != rate })

	depth, encoding := pickDepth(requested, candidates)
	candidates = slices.DeleteFunc(candidates, func(f SampleFormat) bool {
		return f.BitDepth != depth || f.Encoding != encoding
	})

	channels := pickChannels(requested.Channels, candidates)
	result := SampleFormat{Encoding: encoding, BitDepth: depth, Channels: channels, SampleRate: rate}

	slog.Debug("format negotiated with fallback", "requested", requested, "negotiated", result)
	return result, nil
}

// nearestRate returns the candidate rate closest to want, taking the higher
// one when two are equally far
func nearestRate(want int, candidates []SampleFormat) int {
	best := 0
	for _, f := range candidates {
		r := f.SampleRate
		if best == 0 {
			best = r
			continue
		}
		d, bd := abs(r-want), abs(best-want)
		if d < bd || (d == bd && r > best) {
			best = r
		}
	}
	return best
}

func pickDepth(requested SampleFormat, candidates []SampleFormat) (int, Encoding) {
	bestDepth, bestEncoding := 0, requested.Encoding
	for _, f := range candidates {
		if f.BitDepth == requested.BitDepth && f.Encoding == requested.Encoding {
			return f.BitDepth, f.Encoding
		}
	}
	for _, f := range candidates {
		switch {
		case f.BitDepth > bestDepth:
			bestDepth, bestEncoding = f.BitDepth, f.Encoding
		case f.BitDepth == bestDepth && f.Encoding == requested.Encoding:
			bestEncoding = f.Encoding
		}
	}
	return bestDepth, bestEncoding
}

func pickChannels(want int, candidates []SampleFormat) int {
	has := func(n int) bool {
		return slices.ContainsFunc(candidates, func(f SampleFormat) bool { return f.Channels == n })
	}
	if has(want) {
		return want
	}
	if want == 1 && has(2) {
		return 2
	}
	if want == 2 && has(1) {
		return 1
	}
	best := 0
	for _, f := range candidates {
		d, bd := abs(f.Channels-want), abs(best-want)
		if best == 0 || d < bd || (d == bd && f.Channels > best) {
			best = f.Channels
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

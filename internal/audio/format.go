package audio

// Format is a response encoding.
type Format string

const (
	FormatWAV Format = "wav"
	FormatPCM Format = "pcm"
)

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatPCM:
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}

// Encode encodes a whole utterance in the format.
func (f Format) Encode(samples []float32, sampleRate uint32) ([]byte, error) {
	if f == FormatWAV {
		return EncodeWAV(samples, sampleRate)
	}
	return EncodePCM(samples), nil
}

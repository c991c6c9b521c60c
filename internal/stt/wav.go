package stt

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is 16-bit little endian PCM audio.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// LoadWAV decodes a 16-bit PCM WAV file.
func LoadWAV(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return Clip{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return Clip{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), PCM: pcm}, nil
}

// WriteWAV encodes clip as a 16-bit PCM WAV stream.
func WriteWAV(w io.WriteSeeker, clip Clip) error {
	if len(clip.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate}}
	samples := make([]int, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Frames splits the clip into chunks of the given duration. The last chunk
// may be shorter.
func (c Clip) Frames(d time.Duration) [][]byte {
	size := c.SampleRate * c.Channels * 2 * int(d/time.Millisecond) / 1000
	size -= size % (2 * max(c.Channels, 1))
	if size <= 0 {
		size = len(c.PCM)
	}
	var frames [][]byte
	for start := 0; start < len(c.PCM); start += size {
		end := min(start+size, len(c.PCM))
		frames = append(frames, c.PCM[start:end])
	}
	return frames
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	bytesPerSecond := c.SampleRate * c.Channels * 2
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

// This file contains the PortAudio-backed implementations of the capture and
// playback stream interfaces. PortAudio is the only piece of the client that
// touches hardware; everything else talks to it through inputStream and
// outputStream so tests can run without a sound card.

package client

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// InitAudio initialises the PortAudio host API. Call once at process start,
// before any capture or playback is created.
func InitAudio() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("client: initialize portaudio: %w", err)
	}
	return nil
}

// TerminateAudio releases the PortAudio host API. Call once at process exit,
// after all streams are closed.
func TerminateAudio() {
	_ = portaudio.Terminate()
}

// openInput opens the default microphone as mono float32 at the given rate,
// reading frameSamples per Read into the returned buffer.
func openInput(rate, frameSamples int) (inputStream, []float32, error) {
	buf := make([]float32, frameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), frameSamples, buf)
	if err != nil {
		return nil, nil, fmt.Errorf("client: open microphone stream: %w", err)
	}
	return stream, buf, nil
}

// openSpeaker opens the default output as mono int16 at the given rate with
// a 40 ms block, the write granularity Flush latency is bounded by.
func openSpeaker(rate int) (outputStream, []int16, error) {
	block := make([]int16, rate/25)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(block), block)
	if err != nil {
		return nil, nil, fmt.Errorf("client: open speaker stream: %w", err)
	}
	return stream, block, nil
}

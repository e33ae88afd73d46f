//go:build !headless

// audio_backend_oto.go - oto-backed AudioSink

/*
 ▄▄▄       ▓█████  ██▀███   ▒█████
▒████▄     ▓█   ▀ ▓██ ▒ ██▒▒██▒  ██▒
▒██  ▀█▄   ▒███   ▓██ ░▄█ ▒▒██░  ██▒
░██▄▄▄▄██  ▒▓█  ▄ ▒██▀▀█▄  ▒██   ██░
 ▓█   ▓██▒ ░▒████▒░██▓ ▒██▒░ ████▓▒░
 ▒▒   ▓▒█░ ░░ ▒░ ░░ ▒▓ ░▒▓░░ ▒░▒░▒░
  ▒   ▒▒ ░  ░ ░  ░  ░▒ ░ ▒░  ░ ▒ ▒░
  ░   ▒       ░     ░░   ░ ░ ░ ░ ▒
      ░  ░    ░  ░   ░         ░ ░

(c) 2024 - 2026 Aero contributors
https://github.com/aero-emu/aero

License: GPLv3 or later
*/

package main

import (
	"io"
	"log"
	"sync"

	oto "github.com/ebitengine/oto/v3"
)

const (
	HDA_SINK_SAMPLE_RATE = 48000
	HDA_SINK_CHANNELS    = 2
)

// OtoSink plays guest PCM on the host through oto. The stream reader pulls
// from a bounded FIFO; underruns play silence rather than blocking the
// emulation thread.
type OtoSink struct {
	mu     sync.Mutex
	fifo   []byte
	ctx    *oto.Context
	player *oto.Player
}

// NewAudioSink builds the default sink: oto when a host audio device is
// available, a discard sink otherwise.
func NewAudioSink() AudioSink {
	op := &oto.NewContextOptions{
		SampleRate:   HDA_SINK_SAMPLE_RATE,
		ChannelCount: HDA_SINK_CHANNELS,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		log.Printf("audio: host output unavailable (%v), discarding PCM", err)
		return &NullSink{}
	}
	<-ready
	s := &OtoSink{ctx: ctx}
	s.player = ctx.NewPlayer(s)
	s.player.Play()
	return s
}

// Read feeds the oto player from the FIFO (io.Reader contract).
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.fifo)
	s.fifo = s.fifo[n:]
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

func (s *OtoSink) WritePcm(samples []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Bound the FIFO at ~250ms to keep latency sane if the guest floods.
	const maxBuf = HDA_SINK_SAMPLE_RATE * HDA_SINK_CHANNELS * 2 / 4
	s.fifo = append(s.fifo, samples...)
	if len(s.fifo) > maxBuf {
		s.fifo = s.fifo[len(s.fifo)-maxBuf:]
	}
}

func (s *OtoSink) Close() {
	if s.player != nil {
		s.player.Close()
	}
}

var _ io.Reader = (*OtoSink)(nil)

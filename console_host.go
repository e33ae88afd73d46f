// console_host.go - Host console backends for the serial port

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
	"os"
	"sync"

	"golang.org/x/term"
)

// BufferConsole is the in-memory backend used headless and in tests.
type BufferConsole struct {
	mu     sync.Mutex
	output []byte
	input  []byte
}

func NewBufferConsole() *BufferConsole { return &BufferConsole{} }

// NewConsoleBackend is the default machine console (buffered, headless).
func NewConsoleBackend() ConsoleBackend { return NewBufferConsole() }

func (c *BufferConsole) WriteByte(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = append(c.output, b)
}

func (c *BufferConsole) ReadByte() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.input) == 0 {
		return 0, false
	}
	b := c.input[0]
	c.input = c.input[1:]
	return b, true
}

func (c *BufferConsole) InputPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.input) > 0
}

// PushInput queues guest-visible input bytes.
func (c *BufferConsole) PushInput(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = append(c.input, b...)
}

// Output snapshots everything the guest has written so far.
func (c *BufferConsole) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.output))
	copy(out, c.output)
	return out
}

// TerminalConsole bridges the UART to the host terminal: stdout for
// output, raw-mode stdin for input. Raw mode disables OS echo and line
// buffering so the guest owns the terminal discipline; Stop restores the
// saved state.
type TerminalConsole struct {
	mu       sync.Mutex
	input    []byte
	fd       int
	oldState *term.State
	stopCh   chan struct{}
	done     chan struct{}
}

func NewTerminalConsole() *TerminalConsole {
	return &TerminalConsole{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start switches stdin to raw mode and begins pumping bytes.
func (t *TerminalConsole) Start() error {
	t.fd = int(os.Stdin.Fd())
	old, err := term.MakeRaw(t.fd)
	if err != nil {
		return err
	}
	t.oldState = old

	go func() {
		defer close(t.done)
		buf := make([]byte, 64)
		for {
			select {
			case <-t.stopCh:
				return
			default:
			}
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			t.mu.Lock()
			t.input = append(t.input, buf[:n]...)
			t.mu.Unlock()
		}
	}()
	return nil
}

// Stop restores the terminal state.
func (t *TerminalConsole) Stop() {
	close(t.stopCh)
	if t.oldState != nil {
		_ = term.Restore(t.fd, t.oldState)
	}
}

func (t *TerminalConsole) WriteByte(b byte) {
	os.Stdout.Write([]byte{b})
}

func (t *TerminalConsole) ReadByte() (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.input) == 0 {
		return 0, false
	}
	b := t.input[0]
	t.input = t.input[1:]
	return b, true
}

func (t *TerminalConsole) InputPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.input) > 0
}

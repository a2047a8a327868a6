// Package console holds the terminal side of the relay binaries: prompts,
// a line reader feeding the client's send path, and a Renderer that prints
// channel events without touching the input being typed.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	inputPrompt = "Enter message: "
	clearLine   = "\r\x1b[2K"
	green       = "\x1b[32m"
	reset       = "\x1b[0m"
)

// ReadLines sends every line of r, without its line ending, to the returned
// channel and closes it at end of input or when ctx is done. A read blocked
// on r is not interrupted by ctx.
func ReadLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			select {
			case lines <- strings.TrimRight(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
	}()

	return lines
}

// Prompter asks questions on out and reads the answers from in.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Ask prints label and returns the trimmed answer. An answer at end of
// input without a newline is accepted.
func (p *Prompter) Ask(label string) (string, error) {
	if _, err := fmt.Fprint(p.out, label); err != nil {
		return "", err
	}

	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

// AskPort asks for a TCP port and returns def for an empty answer.
func (p *Prompter) AskPort(label string, def int) (int, error) {
	answer, err := p.Ask(label)
	if err != nil {
		return 0, err
	}

	if answer == "" {
		return def, nil
	}

	port, err := strconv.Atoi(answer)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", answer)
	}

	return port, nil
}

// Terminal renders channel events on a terminal. Every event clears the
// prompt line, prints the event and redraws the prompt; the terminal keeps
// echoing whatever the user is typing. Safe for concurrent use.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	noColor bool
}

// NewTerminal creates a Terminal writing to out. noColor disables ANSI colours
// but not the line clearing.
func NewTerminal(out io.Writer, noColor bool) *Terminal {
	return &Terminal{out: out, noColor: noColor}
}

// ShowPrompt prints the input prompt.
func (t *Terminal) ShowPrompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprint(t.out, inputPrompt)
}

// ShowMessage implements tcpclient.Renderer.
func (t *Terminal) ShowMessage(text string) {
	t.print(text)
}

// ShowSent implements tcpclient.Renderer.
func (t *Terminal) ShowSent(text string) {
	if t.noColor {
		t.print("You: " + text)
		return
	}

	t.print(green + "You: " + text + reset)
}

// ShowNotice implements tcpclient.Renderer.
func (t *Terminal) ShowNotice(text string) {
	t.print(text)
}

func (t *Terminal) print(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprint(t.out, clearLine+text+"\n"+inputPrompt)
}

// Package pin supplies pairing passkeys, either fixed or typed in by an
// operator reading them off the sensor's display.
package pin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const maxPasskey = 999999

var ErrClosed = errors.New("pin prompt closed")

// Parse validates a 6-digit passkey.
func Parse(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid pin %q", s)
	}
	if n > maxPasskey {
		return 0, errors.Errorf("invalid pin %q: more than 6 digits", s)
	}
	return uint32(n), nil
}

// Static always answers with the same passkey.
type Static uint32

func (s Static) PIN(ctx context.Context, address string) (uint32, error) {
	return uint32(s), nil
}

// Prompt asks for the passkey on Out and reads one line from In per request.
type Prompt struct {
	Out io.Writer

	in    io.Reader
	mu    sync.Mutex
	lines chan string
	once  sync.Once
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: in, Out: out}
}

// start reads lines in the background so that a pending read never blocks a
// cancelled request.
func (p *Prompt) start() {
	p.once.Do(func() {
		p.lines = make(chan string)
		go func() {
			defer close(p.lines)
			sc := bufio.NewScanner(p.in)
			for sc.Scan() {
				p.lines <- sc.Text()
			}
		}()
	})
}

func (p *Prompt) PIN(ctx context.Context, address string) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start()

	for {
		fmt.Fprintf(p.Out, "Enter the pairing PIN shown on %s: ", address)
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.Out)
			return 0, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return 0, ErrClosed
			}
			pin, err := Parse(line)
			if err != nil {
				fmt.Fprintf(p.Out, "%s\n", err)
				continue
			}
			return pin, nil
		}
	}
}

// Close releases the input if it can be closed.
func (p *Prompt) Close() error {
	if c, ok := p.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.bug.st/serial"
)

// Stdin is the port name that selects the process's standard streams.
const Stdin = "stdin"

// Open returns the console transport for port: a serial device at baud, or
// stdin/stdout for Stdin.
func Open(port string, baud int) (io.ReadWriteCloser, error) {
	if port == Stdin {
		return stdio{}, nil
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	return p, nil
}

type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error                { return nil }

// ReadLines scans r and sends each non-blank line on out until r is
// exhausted or ctx is cancelled. It closes out when done.
func ReadLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("console: read error: %v", err)
	}
}

// Package logcapture persists container output as a bounded, ASCII-only log
// file. Oversized logs are cut down to their last few lines.
package logcapture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"
)

// EmptyLogMessage replaces a container log that produced no bytes.
const EmptyLogMessage = "Container did not produce any STDOUT or logs."

const (
	DefaultCapBytes  = 50_000
	DefaultTailLines = 5

	tailChunkSize = 4096
)

type Options struct {
	CapBytes  int64
	TailLines int
}

func (o Options) withDefaults() Options {
	if o.CapBytes <= 0 {
		o.CapBytes = DefaultCapBytes
	}
	if o.TailLines <= 0 {
		o.TailLines = DefaultTailLines
	}
	return o
}

// Artifact describes a written log file.
type Artifact struct {
	Path      string
	Size      int64
	Truncated bool
}

// Capture writes raw to path and truncates the file to its tail when it
// exceeds the cap. The file is never touched again afterwards.
func Capture(path string, raw []byte, opts Options) (Artifact, error) {
	opts = opts.withDefaults()

	if len(raw) == 0 {
		raw = []byte(EmptyLogMessage)
	}
	text := Sanitize(raw)

	if err := os.WriteFile(path, text, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write log %s: %w", path, err)
	}
	art := Artifact{Path: path, Size: int64(len(text))}
	if art.Size <= opts.CapBytes {
		return art, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open log %s: %w", path, err)
	}
	tail, err := Tail(f, opts.TailLines)
	f.Close()
	if err != nil {
		return Artifact{}, fmt.Errorf("tail log %s: %w", path, err)
	}

	if err := os.WriteFile(path, tail, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("rewrite log %s: %w", path, err)
	}
	art.Size = int64(len(tail))
	art.Truncated = true
	return art, nil
}

// Sanitize drops byte sequences that are not valid UTF-8 as well as every
// non-ASCII character.
func Sanitize(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r != utf8.RuneError && r < utf8.RuneSelf {
			out = append(out, byte(r))
		}
		raw = raw[size:]
	}
	return out
}

// Tail returns the last n lines of r, reading backwards from the end in
// fixed-size chunks. A trailing newline does not start a new line. When r
// holds n lines or fewer, all of it is returned.
func Tail(r io.ReadSeeker, n int) ([]byte, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size == 0 || n <= 0 {
		return []byte{}, nil
	}

	// The final byte is skipped so that a terminating newline is not
	// counted as a line boundary.
	end := size - 1
	start := int64(0)
	found := 0
	buf := make([]byte, tailChunkSize)

scan:
	for end > 0 {
		chunk := int64(tailChunkSize)
		if end < chunk {
			chunk = end
		}
		off := end - chunk
		if _, err := r.Seek(off, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return nil, err
		}
		for i := chunk - 1; i >= 0; i-- {
			if buf[i] != '\n' {
				continue
			}
			found++
			if found == n {
				start = off + i + 1
				break scan
			}
		}
		end = off
	}

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	out := bytes.NewBuffer(make([]byte, 0, size-start))
	if _, err := io.Copy(out, r); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out.Bytes(), nil
}

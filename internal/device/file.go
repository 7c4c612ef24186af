package device

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/scheerer/ambilightd/internal/color"
)

// FileConfig parameterizes the file device.
type FileConfig struct {
	// Path of the output file. Empty means standard output.
	Path string `json:"path"`
	// Timestamps prefixes each frame line with the write time.
	Timestamps bool `json:"printTimeStamp"`
}

// File appends one line per frame to a file, useful for debugging a
// pipeline without hardware.
type File struct {
	config FileConfig
	file   *os.File
	w      *bufio.Writer
}

func NewFile(config FileConfig) (*File, error) {
	return &File{config: config}, nil
}

func (f *File) Open(ctx context.Context) error {
	if f.config.Path == "" {
		f.file = os.Stdout
		f.w = bufio.NewWriter(f.file)
		return nil
	}

	file, err := os.OpenFile(f.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	f.file = file
	f.w = bufio.NewWriter(file)
	return nil
}

func (f *File) WriteLeds(ctx context.Context, leds []color.Color) error {
	if f.w == nil {
		return ErrUnreachable
	}

	if f.config.Timestamps {
		fmt.Fprintf(f.w, "%s ", time.Now().Format(time.RFC3339Nano))
	}
	for i, c := range leds {
		if i > 0 {
			f.w.WriteByte(' ')
		}
		fmt.Fprintf(f.w, "{%d,%d,%d}", c.Red, c.Green, c.Blue)
	}
	f.w.WriteByte('\n')
	return f.w.Flush()
}

func (f *File) Close() error {
	if f.w != nil {
		f.w.Flush()
		f.w = nil
	}
	if f.file != nil && f.file != os.Stdout {
		err := f.file.Close()
		f.file = nil
		return err
	}
	f.file = nil
	return nil
}

// Package fs opens model checkpoints from disk.
package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vanlab/van/fs/safetensors"
	"github.com/vanlab/van/fs/torch"
	"github.com/vanlab/van/ml"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatSafetensors
	FormatTorch
)

func (f Format) String() string {
	switch f {
	case FormatSafetensors:
		return "safetensors"
	case FormatTorch:
		return "torch"
	default:
		return "unknown"
	}
}

// Extensions are tried in order when looking a checkpoint up by name.
var Extensions = []string{".safetensors", ".pth", ".pth.tar", ".pt"}

var ErrNotFound = errors.New("checkpoint not found")

var (
	zipMagic    = []byte("PK\x03\x04")
	pickleMagic = []byte{0x80}
)

// Detect identifies the checkpoint format from the first bytes of a file.
// Safetensors headers open with a JSON object after the length prefix; torch.save
// writes a zip archive, or a bare pickle in its legacy format.
func Detect(header []byte) Format {
	switch {
	case len(header) >= 9 && header[8] == '{':
		return FormatSafetensors
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, pickleMagic):
		return FormatTorch
	default:
		return FormatUnknown
	}
}

// Open reads every tensor of the checkpoint at path.
func Open(path string) (map[string]*ml.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}

	format := Detect(header[:n])
	slog.Debug("opening checkpoint", "path", path, "format", format)

	switch format {
	case FormatTorch:
		return torch.Read(path)
	case FormatSafetensors:
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}

		tensors, _, err := safetensors.Read(f)
		return tensors, err
	default:
		return nil, fmt.Errorf("%s: unrecognized checkpoint format", path)
	}
}

// Find returns the checkpoint for name in dir, trying each of Extensions.
func Find(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: no checkpoint directory configured for %s", ErrNotFound, name)
	}

	for _, ext := range Extensions {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, dir)
}

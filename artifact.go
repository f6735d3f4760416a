package routeragent

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FirmwareArtifact is a candidate image on the host. Size and SHA-256 are
// computed once at construction and reused for the whole flash operation.
type FirmwareArtifact struct {
	Path string
	// ExpectedBoard, when set, vetoes flashing onto a different board before
	// any data is transferred.
	ExpectedBoard string

	size   int64
	sha256 string
}

// NewFirmwareArtifact stats and hashes the image at path.
func NewFirmwareArtifact(path, expectedBoard string) (*FirmwareArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat firmware image %s", path)
	}
	if info.IsDir() {
		return nil, errors.Errorf("firmware image %s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open firmware image %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.Wrapf(err, "hash firmware image %s", path)
	}
	return &FirmwareArtifact{
		Path:          path,
		ExpectedBoard: expectedBoard,
		size:          info.Size(),
		sha256:        hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Size returns the image length in bytes.
func (a *FirmwareArtifact) Size() int64 { return a.size }

// SHA256 returns the cached hex digest.
func (a *FirmwareArtifact) SHA256() string { return a.sha256 }

// Name returns the image filename, the name the TFTP server exposes it under.
func (a *FirmwareArtifact) Name() string { return filepath.Base(a.Path) }

// Package faasimage materializes a Docker image tarball (the `docker save`
// format) into an immutable rootfs directory, and extracts the container's
// launch command from the image config.
package faasimage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Sentinel errors.
var (
	ErrInvalidImage = errors.New("invalid image tarball")
	ErrConflict     = errors.New("rootfs destination already exists")
)

// manifestEntry is a single entry of the top-level manifest.json array a
// `docker save` tarball contains.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Result is what materializing an image produces: the rootfs path and the
// resolved launch command (Entrypoint + Cmd).
type Result struct {
	RootfsPath string
	Command    []string
}

// Materialize streams tarStream into a scratch directory, applies each
// layer onto destRootfs in manifest order honoring overlay whiteout
// conventions, and resolves the launch command from the image config. The
// scratch directory is always removed, on every exit path. destRootfs must
// not already exist.
func Materialize(logger *slog.Logger, tarStream io.Reader, destRootfs string) (Result, error) {
	if _, err := os.Stat(destRootfs); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrConflict, destRootfs)
	} else if !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("stat destination %s: %w", destRootfs, err)
	}

	scratch, err := os.MkdirTemp("", "faasimage-extract-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove scratch dir", "path", scratch, "err", err)
		}
	}()

	if err := archive.Untar(tarStream, scratch, &archive.TarOptions{NoLchown: true}); err != nil {
		return Result{}, fmt.Errorf("%w: extract tarball: %v", ErrInvalidImage, err)
	}

	manifest, err := readManifest(scratch)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(destRootfs, 0o755); err != nil {
		return Result{}, fmt.Errorf("create rootfs dir %s: %w", destRootfs, err)
	}

	for i, layerPath := range manifest.Layers {
		if err := applyLayer(logger, scratch, destRootfs, layerPath, i, len(manifest.Layers)); err != nil {
			os.RemoveAll(destRootfs)
			return Result{}, err
		}
	}

	cmd, err := readCommand(scratch, manifest)
	if err != nil {
		os.RemoveAll(destRootfs)
		return Result{}, err
	}

	logger.Info("materialized image", "rootfs", destRootfs, "layers", len(manifest.Layers), "command", cmd)

	return Result{RootfsPath: destRootfs, Command: cmd}, nil
}

func readManifest(scratch string) (manifestEntry, error) {
	manifestPath := filepath.Join(scratch, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return manifestEntry{}, fmt.Errorf("%w: manifest.json not found", ErrInvalidImage)
		}
		return manifestEntry{}, fmt.Errorf("read manifest.json: %w", err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return manifestEntry{}, fmt.Errorf("%w: parse manifest.json: %v", ErrInvalidImage, err)
	}
	if len(entries) == 0 {
		return manifestEntry{}, fmt.Errorf("%w: manifest.json has no entries", ErrInvalidImage)
	}

	return entries[0], nil
}

// applyLayer opens layerPath (relative to scratch) and applies it onto
// destRootfs using ApplyLayer's whiteout-aware overlay semantics: a
// ".wh.foo" entry deletes "foo", and ".wh..wh..opq" clears the directory it
// appears in before continuing.
func applyLayer(logger *slog.Logger, scratch, destRootfs, layerPath string, index, total int) error {
	f, err := os.Open(filepath.Join(scratch, layerPath))
	if err != nil {
		return fmt.Errorf("open layer %s: %w", layerPath, err)
	}
	defer f.Close()

	dgst, err := digest.FromReader(f)
	if err != nil {
		return fmt.Errorf("digest layer %s: %w", layerPath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind layer %s: %w", layerPath, err)
	}

	logger.Debug("applying layer", "index", index+1, "total", total, "path", layerPath, "digest", dgst)

	if _, err := archive.ApplyLayer(destRootfs, f); err != nil {
		return fmt.Errorf("apply layer %s: %w", layerPath, err)
	}
	return nil
}

func readCommand(scratch string, manifest manifestEntry) ([]string, error) {
	if manifest.Config == "" {
		return nil, fmt.Errorf("%w: manifest.json has no Config entry", ErrInvalidImage)
	}

	data, err := os.ReadFile(filepath.Join(scratch, manifest.Config))
	if err != nil {
		return nil, fmt.Errorf("read image config %s: %w", manifest.Config, err)
	}

	var img v1.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("%w: parse image config: %v", ErrInvalidImage, err)
	}

	cmd := append([]string{}, img.Config.Entrypoint...)
	cmd = append(cmd, img.Config.Cmd...)
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: image has no entrypoint or cmd", ErrInvalidImage)
	}

	return cmd, nil
}

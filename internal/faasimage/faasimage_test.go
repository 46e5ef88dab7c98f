package faasimage

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// buildImage constructs a minimal docker-save-style tarball with the given
// layer tarballs (already-built raw tar bytes, applied in order) and image
// config document.
func buildImage(t *testing.T, layers [][]byte, entrypoint, cmd []string) []byte {
	t.Helper()

	config := map[string]any{
		"config": map[string]any{
			"Entrypoint": entrypoint,
			"Cmd":        cmd,
		},
	}
	configJSON, err := json.Marshal(config)
	require.NoError(t, err)

	layerNames := make([]string, len(layers))
	for i := range layers {
		layerNames[i] = fmt.Sprintf("layer%d/layer.tar", i)
	}

	manifest := []map[string]any{
		{
			"Config":   "config.json",
			"RepoTags": []string{"fn:latest"},
			"Layers":   layerNames,
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeEntry := func(name string, content []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}

	writeEntry("manifest.json", manifestJSON)
	writeEntry("config.json", configJSON)
	for i, layer := range layers {
		writeEntry(layerNames[i], layer)
	}

	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestMaterializeSingleLayer(t *testing.T) {
	layer := buildTar(t, map[string]string{"app/main.py": "print('hi')"})
	img := buildImage(t, [][]byte{layer}, []string{"/bin/handler"}, []string{"--flag"})

	destRootfs := filepath.Join(t.TempDir(), "rootfs")
	res, err := Materialize(testLogger(), bytes.NewReader(img), destRootfs)
	require.NoError(t, err)

	assert.Equal(t, destRootfs, res.RootfsPath)
	assert.Equal(t, []string{"/bin/handler", "--flag"}, res.Command)

	data, err := os.ReadFile(filepath.Join(destRootfs, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(data))
}

func TestMaterializeAppliesLayersInOrder(t *testing.T) {
	layer1 := buildTar(t, map[string]string{"file.txt": "from-layer-1"})
	layer2 := buildTar(t, map[string]string{"file.txt": "from-layer-2"})
	img := buildImage(t, [][]byte{layer1, layer2}, []string{"/bin/handler"}, nil)

	destRootfs := filepath.Join(t.TempDir(), "rootfs")
	_, err := Materialize(testLogger(), bytes.NewReader(img), destRootfs)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(destRootfs, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from-layer-2", string(data))
}

func TestMaterializeHonorsWhiteout(t *testing.T) {
	layer1 := buildTar(t, map[string]string{"keep.txt": "kept", "remove.txt": "gone"})
	layer2 := buildTar(t, map[string]string{".wh.remove.txt": ""})
	img := buildImage(t, [][]byte{layer1, layer2}, []string{"/bin/handler"}, nil)

	destRootfs := filepath.Join(t.TempDir(), "rootfs")
	_, err := Materialize(testLogger(), bytes.NewReader(img), destRootfs)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(destRootfs, "keep.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(destRootfs, "remove.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializeRejectsExistingDestination(t *testing.T) {
	layer := buildTar(t, map[string]string{"file.txt": "x"})
	img := buildImage(t, [][]byte{layer}, []string{"/bin/handler"}, nil)

	destRootfs := t.TempDir()
	_, err := Materialize(testLogger(), bytes.NewReader(img), destRootfs)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMaterializeRejectsMissingManifest(t *testing.T) {
	raw := buildTar(t, map[string]string{"random.txt": "not an image"})

	destRootfs := filepath.Join(t.TempDir(), "rootfs")
	_, err := Materialize(testLogger(), bytes.NewReader(raw), destRootfs)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestMaterializeRejectsEmptyCommand(t *testing.T) {
	layer := buildTar(t, map[string]string{"file.txt": "x"})
	img := buildImage(t, [][]byte{layer}, nil, nil)

	destRootfs := filepath.Join(t.TempDir(), "rootfs")
	_, err := Materialize(testLogger(), bytes.NewReader(img), destRootfs)
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, statErr := os.Stat(destRootfs)
	assert.True(t, os.IsNotExist(statErr), "rootfs must be cleaned up when command resolution fails")
}

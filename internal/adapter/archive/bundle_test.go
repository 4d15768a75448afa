package archive_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svmbench/platform/internal/adapter/archive"
)

func TestBuildAndReadSecretBundleRoundTrip(t *testing.T) {
	upload := []byte("fake-zip-bytes")

	bundle, err := archive.BuildSecretBundle(upload, "sk-real-key", "direct", "openai")
	require.NoError(t, err)

	gotUpload, key, err := archive.ReadSecretBundle(bundle)
	require.NoError(t, err)
	require.Equal(t, upload, gotUpload)
	require.Equal(t, "sk-real-key", key.OpenAIToken)
	require.Equal(t, "direct", key.KeyMode)
	require.Equal(t, "openai", key.Provider)
}

func TestReadSecretBundleRejectsMissingEntries(t *testing.T) {
	_, _, err := archive.ReadSecretBundle([]byte("not a tar"))
	require.Error(t, err)
}

func buildTestZip(t *testing.T, names []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte("contract Foo {}"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestValidateUploadZipAcceptsSolidityArchive(t *testing.T) {
	data := buildTestZip(t, []string{"contracts/Foo.sol", "README.md"})
	r := bytes.NewReader(data)
	err := archive.ValidateUploadZip(r, int64(len(data)), archive.ValidationOptions{
		MaxFiles:        10,
		MaxUncompressed: 1 << 20,
		MaxRatio:        100,
		RequireSolidity: true,
	})
	require.NoError(t, err)
}

func TestValidateUploadZipRejectsMissingSolidity(t *testing.T) {
	data := buildTestZip(t, []string{"README.md"})
	r := bytes.NewReader(data)
	err := archive.ValidateUploadZip(r, int64(len(data)), archive.ValidationOptions{
		MaxFiles:        10,
		MaxUncompressed: 1 << 20,
		MaxRatio:        100,
		RequireSolidity: true,
	})
	require.ErrorIs(t, err, archive.ErrInvalidZip)
}

func TestValidateUploadZipRejectsTooManyFiles(t *testing.T) {
	names := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		names = append(names, "a.sol")
	}
	data := buildTestZip(t, names)
	r := bytes.NewReader(data)
	err := archive.ValidateUploadZip(r, int64(len(data)), archive.ValidationOptions{
		MaxFiles:        2,
		MaxUncompressed: 1 << 20,
		MaxRatio:        100,
		RequireSolidity: false,
	})
	require.ErrorIs(t, err, archive.ErrInvalidZip)
}

func TestValidateUploadZipRejectsHighCompressionRatio(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("big.sol")
	require.NoError(t, err)
	// Highly repetitive content compresses far past the allowed ratio.
	_, err = w.Write(bytes.Repeat([]byte("a"), 1<<20))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	data := buf.Bytes()
	err = archive.ValidateUploadZip(bytes.NewReader(data), int64(len(data)), archive.ValidationOptions{
		MaxFiles:        10,
		MaxUncompressed: 1 << 30,
		MaxRatio:        10,
		RequireSolidity: false,
	})
	require.ErrorIs(t, err, archive.ErrInvalidZip)
}

func TestValidateUploadZipRejectsPathTraversal(t *testing.T) {
	data := buildTestZip(t, []string{"../../etc/passwd"})
	r := bytes.NewReader(data)
	err := archive.ValidateUploadZip(r, int64(len(data)), archive.ValidationOptions{
		MaxFiles:        10,
		MaxUncompressed: 1 << 20,
		MaxRatio:        100,
		RequireSolidity: false,
	})
	require.ErrorIs(t, err, archive.ErrInvalidZip)
}

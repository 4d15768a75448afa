package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

// KeyPayload is the key.json entry of a secret bundle: the worker's
// credential envelope plus routing metadata for the Model Proxy.
type KeyPayload struct {
	OpenAIToken string `json:"openai_token"`
	KeyMode     string `json:"key_mode"`
	Provider    string `json:"provider"`
}

// SniffIsZip reports whether head (the first bytes of an upload) looks like
// a zip archive, as a defense-in-depth check ahead of the authoritative
// archive/zip parse.
func SniffIsZip(head []byte) bool {
	return mimetype.Detect(head).Is("application/zip")
}

// BuildSecretBundle packs the validated upload and the worker's credential
// envelope into the tar format the Secret Store persists and the worker
// sidecar unpacks: an "upload.zip" entry followed by a "key.json" entry.
func BuildSecretBundle(upload []byte, openaiToken, keyMode, provider string) ([]byte, error) {
	keyPayload, err := json.Marshal(KeyPayload{
		OpenAIToken: openaiToken,
		KeyMode:     keyMode,
		Provider:    provider,
	})
	if err != nil {
		return nil, fmt.Errorf("op=archive.BuildSecretBundle: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := tw.WriteHeader(&tar.Header{Name: "upload.zip", Size: int64(len(upload)), Mode: 0o600}); err != nil {
		return nil, fmt.Errorf("op=archive.BuildSecretBundle: %w", err)
	}
	if _, err := tw.Write(upload); err != nil {
		return nil, fmt.Errorf("op=archive.BuildSecretBundle: %w", err)
	}

	if err := tw.WriteHeader(&tar.Header{Name: "key.json", Size: int64(len(keyPayload)), Mode: 0o600}); err != nil {
		return nil, fmt.Errorf("op=archive.BuildSecretBundle: %w", err)
	}
	if _, err := tw.Write(keyPayload); err != nil {
		return nil, fmt.Errorf("op=archive.BuildSecretBundle: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("op=archive.BuildSecretBundle: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadSecretBundle reverses BuildSecretBundle, returning the raw upload
// bytes and the parsed key payload.
func ReadSecretBundle(bundle []byte) ([]byte, KeyPayload, error) {
	tr := tar.NewReader(bytes.NewReader(bundle))

	var upload []byte
	var key KeyPayload
	sawUpload, sawKey := false, false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, KeyPayload{}, fmt.Errorf("op=archive.ReadSecretBundle: %w", err)
		}

		switch hdr.Name {
		case "upload.zip":
			buf := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, buf); err != nil {
				return nil, KeyPayload{}, fmt.Errorf("op=archive.ReadSecretBundle: %w", err)
			}
			upload = buf
			sawUpload = true
		case "key.json":
			buf := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, buf); err != nil {
				return nil, KeyPayload{}, fmt.Errorf("op=archive.ReadSecretBundle: %w", err)
			}
			if err := json.Unmarshal(buf, &key); err != nil {
				return nil, KeyPayload{}, fmt.Errorf("op=archive.ReadSecretBundle: %w", err)
			}
			sawKey = true
		}
	}

	if !sawUpload || !sawKey {
		return nil, KeyPayload{}, fmt.Errorf("op=archive.ReadSecretBundle: bundle missing upload.zip or key.json")
	}
	return upload, key, nil
}

package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// jsonRecord is ProxyRecord's on-disk shape: the encrypted credential is
// base64'd since JSON has no byte-string type.
type jsonRecord struct {
	ProxyRecord
	EncryptedCredentialB64 string `json:"encrypted_credential,omitempty"`
}

type jsonSnapshot struct {
	TakenAtUnix int64        `json:"taken_at_unix"`
	Proxies     []jsonRecord `json:"proxies"`
}

// JSONStore persists a Snapshot as a single JSON file, written atomically
// (write to a temp file in the same directory, fsync, rename) — the same
// atomic-write shape zedaapi's pool manager uses for its own state dumps.
type JSONStore struct {
	path   string
	cipher *Cipher
}

// NewJSONStore constructs a store writing to path. cipher is kept on the
// store but Save and Load do not use it: records arrive with
// EncryptedCredential already sealed and are written and read back as-is.
func NewJSONStore(path string, cipher *Cipher) *JSONStore {
	return &JSONStore{path: path, cipher: cipher}
}

func (s *JSONStore) Save(ctx context.Context, snap Snapshot) error {
	out := jsonSnapshot{TakenAtUnix: snap.TakenAtUnix}
	for _, r := range snap.Proxies {
		jr := jsonRecord{ProxyRecord: r}
		jr.ProxyRecord.EncryptedCredential = nil // keep the embedded struct clean of raw bytes in JSON
		if len(r.EncryptedCredential) > 0 {
			jr.EncryptedCredentialB64 = base64.StdEncoding.EncodeToString(r.EncryptedCredential)
		}
		out.Proxies = append(out.Proxies, jr)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rotorpool-snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

func (s *JSONStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: read snapshot file: %w", err)
	}

	var in jsonSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return Snapshot{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}

	out := Snapshot{TakenAtUnix: in.TakenAtUnix}
	for _, jr := range in.Proxies {
		r := jr.ProxyRecord
		if jr.EncryptedCredentialB64 != "" {
			b, err := base64.StdEncoding.DecodeString(jr.EncryptedCredentialB64)
			if err != nil {
				return Snapshot{}, fmt.Errorf("store: decode credential: %w", err)
			}
			r.EncryptedCredential = b
		}
		out.Proxies = append(out.Proxies, r)
	}
	return out, nil
}

func (s *JSONStore) Query(ctx context.Context, filter Filter) ([]ProxyRecord, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return filterRecords(snap.Proxies, filter), nil
}

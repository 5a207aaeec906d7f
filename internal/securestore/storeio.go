package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadFile reads a snapshot. Sealed content needs a non-nil sealer; plain
// JSON is returned as-is when sealer is nil.
func ReadFile(path string, sealer *Sealer) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return raw, nil
	}
	if sealer == nil {
		if IsSealed(raw) {
			return nil, ErrNoPassphrase
		}
		return raw, nil
	}
	return sealer.Open(raw)
}

// WriteJSON marshals v, seals it when sealer is set, and replaces path via a
// temp file rename.
func WriteJSON(path string, sealer *Sealer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if sealer != nil {
		payload, err = sealer.Seal(payload)
		if err != nil {
			return err
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"gatehouse/internal/seal"
	"gatehouse/internal/store"
	"gatehouse/pkg/problems"
)

// KeyFingerprint is the config_store row holding the blake3 fingerprint of
// the key that seals this store.
const KeyFingerprint = "system.key_fingerprint"

func fingerprint(key []byte) string {
	sum := blake3.Sum256(key)
	return hex.EncodeToString(sum[:16])
}

func readKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(key) != seal.KeySize {
		return nil, problems.KeyMaterialLost(fmt.Sprintf("key file %s is corrupt", path))
	}
	return key, nil
}

func writeKeyFile(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// loadOrCreateKey returns the sealer for st. A key is generated only for a
// store that has never sealed anything; a store with sealed rows or a
// recorded fingerprint and no matching key file is a destructive-loss
// condition and is reported as KeyMaterialLost.
func loadOrCreateKey(ctx context.Context, st *store.Store, path string) (*seal.Sealer, bool, error) {
	recorded, haveFP, err := st.Get(ctx, KeyFingerprint)
	if err != nil {
		return nil, false, err
	}

	key, err := readKeyFile(path)
	switch {
	case err == nil:
		fp := fingerprint(key)
		if haveFP && recorded != fp {
			return nil, false, problems.KeyMaterialLost(
				"key file does not match the key that sealed this store; sensitive values cannot be recovered")
		}
		if !haveFP {
			if err := st.Set(ctx, KeyFingerprint, fp, false); err != nil {
				return nil, false, err
			}
		}
		sl, err := seal.New(key)
		return sl, false, err

	case errors.Is(err, os.ErrNotExist):
		sealed, err := st.CountEncrypted(ctx)
		if err != nil {
			return nil, false, err
		}
		if haveFP || sealed > 0 {
			return nil, false, problems.KeyMaterialLost(fmt.Sprintf(
				"key file %s is missing but the store holds %d sealed values; they are permanently unreadable without it", path, sealed))
		}
		key, err := seal.GenerateKey()
		if err != nil {
			return nil, false, err
		}
		if err := writeKeyFile(path, key); err != nil {
			return nil, false, fmt.Errorf("bootstrap: write key file: %w", err)
		}
		if err := st.Set(ctx, KeyFingerprint, fingerprint(key), false); err != nil {
			return nil, false, err
		}
		sl, err := seal.New(key)
		return sl, true, err

	default:
		return nil, false, err
	}
}

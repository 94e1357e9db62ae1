package bootstrap

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LegacyImported marks that the one-time legacy import ran.
const LegacyImported = "system.legacy_imported"

const systemPrefix = "system."

type ImportReport struct {
	Source   string   `json:"source"`
	Imported []string `json:"imported"`
	Kept     []string `json:"kept"` // already present, left untouched
	Rejected []string `json:"rejected,omitempty"`
	Skipped  bool     `json:"skipped"`
}

// ImportLegacy copies prefixed keys from the env-style legacy file into
// config_store. Keys already in the store are never overwritten, so running it
// again is harmless. A missing file is not an error.
func (c *Controller) ImportLegacy(ctx context.Context) (ImportReport, error) {
	rep := ImportReport{Source: c.opts.LegacyFile}
	st := c.Store()
	if st == nil || c.opts.LegacyFile == "" {
		rep.Skipped = true
		return rep, nil
	}
	if _, done, err := st.Get(ctx, LegacyImported); err != nil {
		return rep, err
	} else if done {
		rep.Skipped = true
		return rep, nil
	}

	env, err := godotenv.Read(c.opts.LegacyFile)
	if errors.Is(err, os.ErrNotExist) {
		rep.Skipped = true
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, c.opts.LegacyPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, c.opts.LegacyPrefix))
		if name == "" {
			continue
		}
		// system.* keys are lifecycle state owned by the gateway
		if strings.HasPrefix(name, systemPrefix) {
			c.log.Warnw("legacy key in reserved namespace ignored", "key", k)
			rep.Rejected = append(rep.Rejected, name)
			continue
		}
		wrote, err := st.SetIfAbsent(ctx, name, env[k])
		if err != nil {
			return rep, err
		}
		if wrote {
			rep.Imported = append(rep.Imported, name)
		} else {
			rep.Kept = append(rep.Kept, name)
		}
	}
	if _, err := st.SetIfAbsent(ctx, LegacyImported, strconv.FormatInt(c.now().Unix(), 10)); err != nil {
		return rep, err
	}
	c.log.Infow("legacy config imported", "file", c.opts.LegacyFile, "imported", len(rep.Imported), "kept", len(rep.Kept), "rejected", len(rep.Rejected))
	return rep, nil
}

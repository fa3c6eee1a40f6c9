package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

func filePath(dir, market string) string {
	return filepath.Join(dir, "snapshot_"+market+".json")
}

// writeFile writes data next to the target and renames it into place so a
// crash never leaves a torn snapshot.
func writeFile(dir, market string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "snapshot_"+market+"_*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp for %s: %w", market, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write %s: %w", market, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: sync %s: %w", market, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close %s: %w", market, err)
	}
	if err := os.Rename(tmp.Name(), filePath(dir, market)); err != nil {
		return fmt.Errorf("snapshot: rename %s: %w", market, err)
	}
	return nil
}

func readFile(dir, market string) (domain.BookSnapshot, error) {
	data, err := os.ReadFile(filePath(dir, market))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.BookSnapshot{}, fmt.Errorf("snapshot: file for %s: %w", market, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("snapshot: read file for %s: %w", market, err)
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("snapshot: decode file for %s: %w", market, err)
	}
	return snap, nil
}

// KnownMarkets lists the markets that have a local snapshot file, sorted.
func (s *Store) KnownMarkets() []string {
	if s.cfg.Dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, "snapshot_*.json"))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "snapshot_"), ".json")
		if name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

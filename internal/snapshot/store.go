// Package snapshot persists per-market recovery images of the order books and
// loads the newest one available at startup.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// multipartThreshold is the archive payload size above which uploads are
// split into parts.
const multipartThreshold = 8 << 20

// Source names where a loaded snapshot came from.
type Source string

const (
	SourceKV      Source = "kv"
	SourceDurable Source = "durable"
	SourceArchive Source = "archive"
	SourceFile    Source = "file"
)

// Config wires the optional snapshot destinations and sources. Any nil
// collaborator is skipped.
type Config struct {
	// Dir is the local directory for snapshot_<market>.json files.
	Dir string

	KV      domain.SnapshotKV
	Durable domain.SnapshotReader

	ArchiveWriter domain.BlobWriter
	ArchiveReader domain.BlobReader
	// ArchivePruner, when set with ArchiveKeep > 0, deletes all but the
	// newest ArchiveKeep archived snapshots of a market after each archive.
	ArchivePruner domain.BlobDeleter
	// ArchiveEvery archives on every Nth save. Zero disables archiving.
	ArchiveEvery  int
	ArchiveKeep   int
	ArchivePrefix string
}

// Store saves snapshots to the file and key-value destinations and loads them
// back through a fixed fallback chain.
type Store struct {
	cfg    Config
	saves  int
	logger *slog.Logger
}

// New creates a Store.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "snapshots"
	}
	return &Store{cfg: cfg, logger: logger.With(slog.String("component", "snapshot_store"))}
}

// Save writes every snapshot to the local file and the key-value store, and
// to the archive on every ArchiveEvery-th call. Save is not safe for
// concurrent use.
func (s *Store) Save(ctx context.Context, snaps []domain.BookSnapshot) error {
	s.saves++
	archive := s.cfg.ArchiveWriter != nil && s.cfg.ArchiveEvery > 0 && s.saves%s.cfg.ArchiveEvery == 0

	var errs []error
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot: encode %s: %w", snap.Market, err))
			continue
		}
		if s.cfg.Dir != "" {
			if err := writeFile(s.cfg.Dir, snap.Market, data); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.KV != nil {
			if err := s.cfg.KV.SetSnapshot(ctx, snap); err != nil {
				errs = append(errs, fmt.Errorf("snapshot: kv %s: %w", snap.Market, err))
			}
		}
		if archive {
			if err := s.archive(ctx, snap, data); err != nil {
				s.logger.WarnContext(ctx, "snapshot: archive failed",
					slog.String("market", snap.Market),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store) archivePath(market string, takenAt int64) string {
	return fmt.Sprintf("%s/%s/%020d.json", s.cfg.ArchivePrefix, market, takenAt)
}

func (s *Store) archive(ctx context.Context, snap domain.BookSnapshot, data []byte) error {
	path := s.archivePath(snap.Market, snap.TakenAt)
	var err error
	if len(data) > multipartThreshold {
		err = s.cfg.ArchiveWriter.PutMultipart(ctx, path, bytes.NewReader(data), multipartThreshold)
	} else {
		err = s.cfg.ArchiveWriter.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return err
	}
	return s.prune(ctx, snap.Market)
}

// prune keeps the newest ArchiveKeep archived snapshots of market.
func (s *Store) prune(ctx context.Context, market string) error {
	if s.cfg.ArchivePruner == nil || s.cfg.ArchiveReader == nil || s.cfg.ArchiveKeep <= 0 {
		return nil
	}
	paths, err := s.archived(ctx, market)
	if err != nil {
		return err
	}
	if len(paths) <= s.cfg.ArchiveKeep {
		return nil
	}
	var errs []error
	for _, p := range paths[:len(paths)-s.cfg.ArchiveKeep] {
		if err := s.cfg.ArchivePruner.Delete(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// archived lists the archived snapshot paths of market, oldest first. The
// zero-padded timestamp in each name makes lexical order chronological.
func (s *Store) archived(ctx context.Context, market string) ([]string, error) {
	infos, err := s.cfg.ArchiveReader.List(ctx, s.cfg.ArchivePrefix+"/"+market+"/")
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			paths = append(paths, info.Path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Load returns the newest snapshot of market, trying the key-value store, the
// durable store, the archive and finally the local file. It returns
// domain.ErrNotFound when no source has one.
func (s *Store) Load(ctx context.Context, market string) (domain.BookSnapshot, Source, error) {
	type source struct {
		name Source
		load func() (domain.BookSnapshot, error)
	}
	var chain []source
	if s.cfg.KV != nil {
		chain = append(chain, source{SourceKV, func() (domain.BookSnapshot, error) {
			return s.cfg.KV.GetSnapshot(ctx, market)
		}})
	}
	if s.cfg.Durable != nil {
		chain = append(chain, source{SourceDurable, func() (domain.BookSnapshot, error) {
			return s.cfg.Durable.Latest(ctx, market)
		}})
	}
	if s.cfg.ArchiveReader != nil {
		chain = append(chain, source{SourceArchive, func() (domain.BookSnapshot, error) {
			return s.loadArchive(ctx, market)
		}})
	}
	if s.cfg.Dir != "" {
		chain = append(chain, source{SourceFile, func() (domain.BookSnapshot, error) {
			return readFile(s.cfg.Dir, market)
		}})
	}

	for _, src := range chain {
		snap, err := src.load()
		if err == nil && snap.Market == market {
			return snap, src.name, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "snapshot: source unavailable, falling back",
				slog.String("market", market),
				slog.String("source", string(src.name)),
				slog.String("error", err.Error()),
			)
		}
	}
	return domain.BookSnapshot{}, "", fmt.Errorf("snapshot %s: %w", market, domain.ErrNotFound)
}

func (s *Store) loadArchive(ctx context.Context, market string) (domain.BookSnapshot, error) {
	paths, err := s.archived(ctx, market)
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	if len(paths) == 0 {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	latest := paths[len(paths)-1]

	rc, err := s.cfg.ArchiveReader.Get(ctx, latest)
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	defer rc.Close()

	var snap domain.BookSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("decode %s: %w", latest, err)
	}
	return snap, nil
}

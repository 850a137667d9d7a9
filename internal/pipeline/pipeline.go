// Package pipeline runs the per-parcel fetch, archive and transform steps
// shared by batch workers and the legacy scan.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/telemetry"
)

// DefaultArchivePrefix is the object prefix for raw record cards.
const DefaultArchivePrefix = "recordcards"

// Config controls the raw archive.
type Config struct {
	ArchivePrefix string
	ContentType   string
}

// Pipeline turns one parcel id into a Record. The archive step is optional:
// with no BlobStore configured raw bodies are not kept.
type Pipeline struct {
	fetcher     parcel.Fetcher
	transformer parcel.Transformer
	blobs       parcel.BlobStore
	hasher      parcel.Hasher
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Pipeline. blobs and hasher may both be nil.
func New(
	fetcher parcel.Fetcher,
	transformer parcel.Transformer,
	blobs parcel.BlobStore,
	hasher parcel.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = DefaultArchivePrefix
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		fetcher:     fetcher,
		transformer: transformer,
		blobs:       blobs,
		hasher:      hasher,
		cfg:         cfg,
		logger:      logger,
	}
}

// Process fetches, archives and transforms id. Errors keep their taxonomy
// type so callers can classify them with parcel.Outcome.
func (p *Pipeline) Process(ctx context.Context, id string) (parcel.Record, error) {
	raw, err := p.fetcher.Fetch(ctx, id)
	if err != nil {
		return parcel.Record{}, fmt.Errorf("fetch %s: %w", id, err)
	}
	p.archive(ctx, raw)
	rec, err := p.transformer.Transform(raw)
	if err != nil {
		return parcel.Record{}, fmt.Errorf("transform %s: %w", id, err)
	}
	return rec, nil
}

// archive never fails the item; a lost raw copy only costs history.
func (p *Pipeline) archive(ctx context.Context, raw parcel.RawRecord) {
	if p.blobs == nil || p.hasher == nil || len(raw.Body) == 0 {
		return
	}
	digest, err := p.hasher.Hash(raw.Body)
	if err != nil {
		telemetry.ObserveArchiveFailure()
		p.logger.Warn("hash raw record", zap.String("parcel_id", raw.ID), zap.Error(err))
		return
	}
	uri, err := p.blobs.PutObject(ctx, ArchivePath(p.cfg.ArchivePrefix, raw.ID, digest), p.cfg.ContentType,
		bytes.NewReader(raw.Body))
	if err != nil {
		telemetry.ObserveArchiveFailure()
		p.logger.Warn("archive raw record", zap.String("parcel_id", raw.ID), zap.Error(err))
		return
	}
	p.logger.Debug("raw record archived", zap.String("parcel_id", raw.ID), zap.String("uri", uri))
}

// ArchivePath returns {prefix}/{id}/{digest}.json.
func ArchivePath(prefix, id, digest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	return path.Join(prefix, id, digest+".json")
}

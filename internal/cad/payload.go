package cad

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"geosync/internal/clipping"
	"geosync/internal/geodesy"
	"geosync/internal/protocol"
)

// BuilderConfig names the layers and output directory of an export.
type BuilderConfig struct {
	ExportLayer          string
	ClipLayer            string
	ExportDir            string
	CurveMinSamples      int
	CurveToleranceMeters float64
}

// PayloadBuilder runs the CAD half of a sync: it checks the anchor,
// exports the asset and projects the clipping layer into a SyncPayload.
type PayloadBuilder struct {
	doc       Document
	cfg       BuilderConfig
	projector *clipping.Projector
	now       func() time.Time

	mu      sync.Mutex
	lastSeq uint64
}

// NewPayloadBuilder creates a builder for doc.
func NewPayloadBuilder(doc Document, cfg BuilderConfig) *PayloadBuilder {
	return &PayloadBuilder{
		doc:       doc,
		cfg:       cfg,
		projector: clipping.NewProjector(cfg.CurveMinSamples, cfg.CurveToleranceMeters),
		now:       time.Now,
	}
}

// Payload builds a payload; it makes PayloadBuilder a protocol.PayloadSource.
func (b *PayloadBuilder) Payload(ctx context.Context) (protocol.SyncPayload, error) {
	return b.Build(ctx)
}

// Build fails with geodesy.ErrAnchorNotSet before exporting anything when
// the document has no anchor.
func (b *PayloadBuilder) Build(ctx context.Context) (protocol.SyncPayload, error) {
	anchor, err := b.doc.Anchor()
	if err != nil {
		return protocol.SyncPayload{}, err
	}
	tr, err := geodesy.NewTransform(anchor, b.doc.UnitMeters())
	if err != nil {
		return protocol.SyncPayload{}, err
	}

	assetPath, err := b.doc.ExportAsset(ctx, b.cfg.ExportLayer, b.cfg.ExportDir)
	if err != nil {
		return protocol.SyncPayload{}, err
	}
	if assetPath == "" {
		return protocol.SyncPayload{}, fmt.Errorf("%w: exporter returned no path", ErrExportFailed)
	}

	objects, err := b.doc.ObjectsOnLayer(b.cfg.ClipLayer)
	if err != nil {
		return protocol.SyncPayload{}, fmt.Errorf("failed to read clipping layer: %w", err)
	}
	loops, _, err := b.projector.Project(tr, objects)
	if err != nil {
		return protocol.SyncPayload{}, err
	}

	heading := anchor.HeadingDeg()
	payload := protocol.SyncPayload{
		GLBPath:          assetPath,
		Position:         protocol.PositionFrom(tr.ToGeodetic(anchor.ModelBasePoint)),
		ClippingPolygons: clipping.FlattenLoops(loops),
		Heading:          &heading,
		Sequence:         b.nextSequence(),
	}

	log.Printf("[Export] Built payload #%d: %s at (%.6f, %.6f), %d clipping loops",
		payload.Sequence, assetPath, payload.Position.Lat, payload.Position.Lon, len(loops))
	return payload, nil
}

// nextSequence is seeded from the clock so numbers keep increasing across
// agent restarts.
func (b *PayloadBuilder) nextSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := max(b.lastSeq+1, uint64(b.now().UnixMilli()))
	b.lastSeq = seq
	return seq
}

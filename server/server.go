// Package server wires every in-scope component (gtid.Manager,
// oplog.Store, replset.ReplSet, repl/producer, repl/applier,
// repl/initialsync, repl/rollback, migration, replinfo, ghostsync,
// compress/storage archival) into one node-scoped context, replacing the
// global singletons the original program hangs its state on with a
// single per-process Context.
package server

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-db/core/compress"
	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/ghostsync"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/migration"
	"github.com/tessera-db/core/oplog"
	"github.com/tessera-db/core/repl/applier"
	"github.com/tessera-db/core/repl/initialsync"
	"github.com/tessera-db/core/repl/producer"
	"github.com/tessera-db/core/repl/rollback"
	"github.com/tessera-db/core/replinfo"
	"github.com/tessera-db/core/replset"
	"github.com/tessera-db/core/storage"
)

// WireSeams bundles every collaborator this core cannot construct
// itself: the wire transport to other members (producer/initialsync/
// rollback's Source seams), the config registry and recipient/donor
// dialers chunk migration needs, and the big-transaction ref resolver
// the applier consults. All of it lives on the out-of-scope wire
// protocol; a real deployment supplies concrete implementations that
// speak it.
type WireSeams struct {
	ProducerSource        producer.Source
	InitialSource         initialsync.Source
	RollbackSource        rollback.Source
	RefResolver           applier.RefResolver
	CommandReplayer       applier.CommandReplayer
	MigrationRegistry     migration.Registry
	DonorDialer           migration.DonorDialer
	GhostDialer           ghostsync.Dialer
	IndexBuilder          initialsync.IndexBuilder
	MigrationIndexBuilder migration.IndexBuilder
	MajorityWaiter        migration.MajorityWaiter
}

// Context is one node's full set of wired components.
type Context struct {
	Config config.Config
	Engine engine.Engine

	GTIDManager *gtid.Manager
	OplogStore  *oplog.Store
	ReplSet     *replset.ReplSet
	VoteStore   *replset.VoteStore

	Producer    *producer.Producer
	Applier     *applier.Applier
	InitialSync *initialsync.InitialSync
	Rollback    *rollback.Rollback

	Donor     *migration.Donor
	Recipient *migration.Recipient

	ReplInfoWriter  *replinfo.Writer
	PartitionThread *replinfo.PartitionThread

	GhostRelay *ghostsync.Relay

	archivalBackend storage.Backend
	compression     compress.CompressionType

	log *corelog.Event
}

// New constructs a fully wired Context for one node. selfID must match a
// configured member per replset.New.
func New(cfg config.Config, eng engine.Engine, selfID int, seams WireSeams, logger *corelog.Logger) (*Context, error) {
	log := logger.Event("core", "")

	gtidM := gtid.NewManager()
	store := oplog.NewStore(eng)
	votes := replset.NewVoteStore(eng)

	rs, err := replset.New(cfg, selfID, votes, gtidM, log.With("replset"))
	if err != nil {
		return nil, errors.Wrap(err, "server: construct replset")
	}

	backend, err := newArchivalBackend(cfg.Archival)
	if err != nil {
		return nil, errors.Wrap(err, "server: construct archival backend")
	}
	compression := compressionFor(cfg.Archival)

	// Applier is constructed before the producer it ultimately drains
	// (SetDrain wires that back in once the producer exists), since the
	// producer needs the rollback runner, which itself needs the applier.
	app := applier.New(eng, gtidM, seams.RefResolver, nil, seams.CommandReplayer, cfg.QueueLowWaterMark, log.With("applier"))

	rb := rollback.New(eng, store, gtidM, seams.RollbackSource, app, log.With("rollback"))

	prod := producer.New(rs, store, gtidM, eng, seams.ProducerSource, rb, cfg.SyncSourceLagWindow,
		cfg.QueueHighWaterMark, cfg.QueueLowWaterMark, log.With("producer"))
	app.SetDrain(prod)

	isync := initialsync.New(eng, store, gtidM, seams.InitialSource, app, seams.IndexBuilder, log.With("initialsync"))

	donor := migration.NewDonor(eng, seams.MigrationRegistry, log.With("migration-donor"))
	recipient := migration.NewRecipient(eng, seams.DonorDialer, seams.MajorityWaiter, seams.MigrationIndexBuilder, log.With("migration-recipient"))

	writer := replinfo.NewWriter(eng, gtidM, log.With("replinfo-writer"))
	archiveFn := archiveFuncFor(backend, compression, cfg.SetName)
	partitions := replinfo.NewPartitionThread(store, replinfo.Policy{
		PartitionEvery: cfg.OplogPartitionThreshold,
		ExpireAfter:    cfg.OplogExpireAfter,
	}, archiveFn, log.With("partition-thread"))

	var relay *ghostsync.Relay
	if seams.GhostDialer != nil {
		relay = ghostsync.New(seams.GhostDialer, log.With("ghostsync"))
	}

	return &Context{
		Config:          cfg,
		Engine:          eng,
		GTIDManager:     gtidM,
		OplogStore:      store,
		ReplSet:         rs,
		VoteStore:       votes,
		Producer:        prod,
		Applier:         app,
		InitialSync:     isync,
		Rollback:        rb,
		Donor:           donor,
		Recipient:       recipient,
		ReplInfoWriter:  writer,
		PartitionThread: partitions,
		GhostRelay:      relay,
		archivalBackend: backend,
		compression:     compression,
		log:             log,
	}, nil
}

// Run starts every steady-state background task (producer, applier,
// repl-info writer, partition thread) and blocks until ctx is canceled or
// one of them fails fatally. Initial sync and rollback are one-shot
// operations the caller invokes explicitly at the right point in a
// member's lifecycle, not part of this steady-state loop.
func (c *Context) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.Producer.Start(ctx)
		<-ctx.Done()
		c.Producer.Stop()
		return nil
	})
	g.Go(func() error {
		if err := c.Applier.Run(ctx, c.Producer.Queue(), func() int { return len(c.Producer.Queue()) }); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := c.ReplInfoWriter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := c.PartitionThread.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func newArchivalBackend(cfg config.ArchivalConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "s3":
		return storage.New(storage.Config{Type: storage.TypeS3, S3: storage.S3Config{
			Bucket: cfg.Bucket, Region: cfg.Region, EndpointURL: cfg.Endpoint,
		}})
	case "azure":
		return storage.New(storage.Config{Type: storage.TypeAzure, Azure: storage.AzureConfig{
			Container: cfg.Bucket, EndpointURL: cfg.Endpoint,
		}})
	case "minio":
		return storage.New(storage.Config{Type: storage.TypeMinio, Minio: storage.MinioConfig{
			Bucket: cfg.Bucket, Endpoint: cfg.Endpoint,
		}})
	default:
		return nil, errors.Errorf("server: unknown archival backend %q", cfg.Backend)
	}
}

func compressionFor(cfg config.ArchivalConfig) compress.CompressionType {
	if cfg.Compression == "" {
		return compress.CompressionTypeS2
	}
	return compress.CompressionType(cfg.Compression)
}

// archiveFuncFor adapts a storage.Backend into a replinfo.ArchiveFunc:
// marshal every entry in the dropped partition as BSON, compress the
// concatenated stream, and upload it under storage.Key, whose name carries
// the set name and the partition's timestamp range (not its ID). A nil
// backend means archival is disabled; the
// partition thread then simply drops partitions once they expire.
func archiveFuncFor(backend storage.Backend, c compress.CompressionType, setName string) replinfo.ArchiveFunc {
	if backend == nil {
		return nil
	}
	return func(ctx context.Context, p *oplog.Partition) error {
		var buf bytes.Buffer
		w, err := compress.Compress(&buf, c)
		if err != nil {
			return errors.Wrap(err, "archive: open compressor")
		}
		for i := range p.Entries {
			b, err := bson.Marshal(&p.Entries[i])
			if err != nil {
				_ = w.Close()
				return errors.Wrap(err, "archive: marshal entry")
			}
			if _, err := w.Write(b); err != nil {
				_ = w.Close()
				return errors.Wrap(err, "archive: write entry")
			}
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "archive: close compressor")
		}

		key := storage.Key(setName, p.ID, p.StartTS, p.EndTS, compress.FileExtension(c))
		if err := backend.PutObject(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
			return errors.Wrap(err, "archive: upload partition")
		}
		return nil
	}
}

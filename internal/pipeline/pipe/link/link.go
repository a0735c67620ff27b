// Package link runs the linker over the prepared input.
package link

import (
	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/pkg/ld"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Pipe for link.
type Pipe struct{}

func (Pipe) String() string { return "linking" }

// Run lays out and encodes the image in memory.
func (Pipe) Run(ctx *context.Context) error {
	res, err := ld.Link(ctx, ctx.Options, ctx.Input)
	if err != nil {
		return errors.Wrapf(err, "failed to link %s", ctx.OutputPath())
	}
	ctx.Result = res

	fields := log.Fields{
		"size":    humanize.Bytes(uint64(len(res.Image))),
		"atoms":   res.Stats.Atoms,
		"fixups":  res.Stats.Fixups,
		"symbols": res.Stats.Symbols,
	}
	if res.UUID != [16]byte{} {
		fields["uuid"] = uuid.UUID(res.UUID).String()
	}
	log.WithFields(fields).Info("linked")
	log.WithFields(log.Fields{
		"rebases":         res.Stats.Rebases,
		"binds":           res.Stats.Binds,
		"weak-binds":      res.Stats.WeakBinds,
		"lazy-binds":      res.Stats.LazyBinds,
		"chained-imports": res.Stats.ChainedImports,
		"local-relocs":    res.Stats.LocalRelocs,
		"extern-relocs":   res.Stats.ExternRelocs,
		"split-seg-refs":  res.Stats.SplitSegRefs,
		"stabs":           res.Stats.Stabs,
	}).Debug("fixups")
	return nil
}

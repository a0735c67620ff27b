package ld

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/buffer"
	"github.com/blacktop/machlink/internal/pipe"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// phase is one step of a build. A phase that does not apply to the
// current output returns pipe.Skip.
type phase struct {
	name string
	run  func() error
}

func (l *Linker) phases() []phase {
	return []phase{
		{"resolve", l.resolve},
		{"placeholders", l.addPlaceholders},
		{"sizes", l.computeSizes},
		{"file offsets", l.assignFileOffsets},
		{"addresses", l.assignAddresses},
		{"debug notes", l.debugNotes},
		{"symbol table", l.symbolTable},
		{"dynamic info", l.buildDynamicInfo},
		{"linkedit", l.encodeLinkEdit},
		{"content", l.copyContent},
		{"fixups", l.applyFixups},
		{"optimization hints", l.optimizationHints},
		{"chains", l.chains},
		{"load commands", l.writeLoadCommands},
		{"uuid", l.uuidPhase},
	}
}

// Run executes every phase in order and stops at the first failure.
func (l *Linker) Run(ctx context.Context) (*Result, error) {
	for _, p := range l.phases() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		err := p.run()
		if pipe.IsSkip(err) {
			log.WithFields(log.Fields{"phase": p.name, "reason": err.Error()}).Debug("skipped")
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s failed", p.name)
		}
		log.WithFields(log.Fields{"phase": p.name, "took": time.Since(start)}).Debug("done")
	}
	return l.result(), nil
}

// Link builds one output image from a resolved atom graph.
func Link(ctx context.Context, opts Options, in Input) (*Result, error) {
	l, err := New(opts, in)
	if err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return l.Run(ctx)
}

func (l *Linker) resolve() error {
	if err := l.resolveNames(); err != nil {
		return err
	}
	return l.assignOrdinals()
}

func (l *Linker) debugNotes() error {
	if !l.opts.DebugNotes {
		return pipe.Skip("debug notes disabled")
	}
	if !l.opts.finalImage() {
		return pipe.Skip("relocatable output keeps its inputs' debug info")
	}
	return l.synthesizeStabs()
}

func (l *Linker) symbolTable() error {
	if err := l.buildSymbolTable(); err != nil {
		return err
	}
	return l.buildIndirectTable()
}

// copyContent allocates the image and copies every atom's bytes into place,
// one section per goroutine.
func (l *Linker) copyContent() error {
	size := l.linkeditEnd()
	l.image = buffer.NewImage(size)
	log.WithField("size", humanize.Bytes(size)).Debug("image")

	var g errgroup.Group
	for _, sect := range l.sections {
		if sect == l.headerSection || sect.IsZerofill() || sect.size == 0 {
			continue
		}
		g.Go(func() error {
			cur, err := l.image.Cursor(sect.fileOffset, sect.size)
			if err != nil {
				return fmt.Errorf("%s: %w", sect, err)
			}
			defer cur.Close()
			for _, a := range sect.Atoms {
				if len(a.Content) == 0 {
					continue
				}
				if uint64(len(a.Content)) > a.Size {
					return fmt.Errorf("%s: content is %d bytes, size %d", a, len(a.Content), a.Size)
				}
				if _, err := cur.WriteAt(a.Content, int64(a.sectionOffset)); err != nil {
					return fmt.Errorf("%s: %w", a, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Linker) optimizationHints() error {
	if !l.opts.Arch.IsARM64() || !l.opts.finalImage() {
		return pipe.Skipf("no optimization hints for %s %s", l.opts.Arch, l.opts.OutputKind)
	}
	if !l.opts.OptimizationHints || len(l.lohs) == 0 {
		return pipe.Skip("no optimization hints")
	}
	return l.optimizeHints()
}

func (l *Linker) chains() error {
	if !l.opts.usesChained() {
		return pipe.Skip("no chained fixups")
	}
	return l.linkChains()
}

func (l *Linker) uuidPhase() error {
	if !l.opts.finalImage() || l.opts.UUID == UUIDNone {
		return pipe.Skip("no LC_UUID")
	}
	return l.assignUUID()
}

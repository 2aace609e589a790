package atomdump

import (
	"context"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/machobj/pkg/ld"
	"github.com/blacktop/machobj/pkg/macho"
)

// Report is the outcome of checking one file without dumping it.
type Report struct {
	Path string
	Cpu  macho.Cpu
	// Object is the header-only IsObjectFile verdict.
	Object         bool
	ObjCCategories bool

	// Err is the fatal parse error, if any.
	Err      error
	Atoms    int
	Fixups   int
	Warnings []string
}

// Failed reports whether the file would be rejected.
func (r *Report) Failed() bool { return !r.Object || r.Err != nil }

// Check runs the cheap validation entry points and then a full parse.
func Check(path string, data []byte, opts *ld.Options) *Report {
	r := &Report{Path: path}
	cpu, subtype := opts.Arch, opts.SubType
	if cpu == 0 {
		h, _, err := macho.ReadHeader(data)
		if err != nil {
			r.Err = err
			return r
		}
		cpu, subtype = h.Cpu, h.SubCpu
	}
	r.Cpu = cpu
	r.Object = ld.IsObjectFile(data, cpu, subtype, opts.SubTypeMustMatch)
	if !r.Object {
		return r
	}
	r.ObjCCategories = ld.HasObjCCategories(data)

	f, err := ld.Parse(path, data, opts)
	if err != nil {
		r.Err = err
		return r
	}
	r.Atoms, r.Fixups, r.Warnings = len(f.Atoms), len(f.Fixups), f.Warnings
	return r
}

// CheckFiles checks paths concurrently; reports are returned in argument order.
// Only I/O failures abort the run. done, when set, is called as each file finishes.
func CheckFiles(ctx context.Context, paths []string, opts *ld.Options, jobs int, done func(*Report)) ([]*Report, error) {
	reports := make([]*Report, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", path)
			}
			reports[i] = Check(path, data, opts)
			log.WithFields(log.Fields{"file": path, "failed": reports[i].Failed()}).Debug("Checked")
			if done != nil {
				done(reports[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// OpenFiles parses every path concurrently and fails on the first error.
// Repeated paths whose bytes are unchanged can reuse an earlier parse.
func OpenFiles(ctx context.Context, paths []string, opts *ld.Options, jobs int) ([]*ld.ObjectFile, error) {
	loader, err := NewLoader(opts, len(paths)+1)
	if err != nil {
		return nil, err
	}
	files := make([]*ld.ObjectFile, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := loader.Load(path)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

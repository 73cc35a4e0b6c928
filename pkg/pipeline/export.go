package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/processing"
)

// Fixed output names; each successful run replaces the previous set
const (
	MeshFile    = "mesh.glb"
	PaintedFile = "painted.glb"
	ImageFile   = "image.png"
)

// OutputPaths are the files written by a successful run
type OutputPaths struct {
	RawMesh     string `json:"raw_mesh"`
	PaintedMesh string `json:"painted_mesh"`
	Image       string `json:"image"`
}

// Files returns the base names in response order: raw mesh, painted mesh, image
func (p OutputPaths) Files() []string {
	return []string{filepath.Base(p.RawMesh), filepath.Base(p.PaintedMesh), filepath.Base(p.Image)}
}

// Exporter writes the outputs of a run into a directory
type Exporter struct {
	dir    string
	rename func(oldpath, newpath string) error
}

// NewExporter creates an exporter writing into dir
func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir, rename: os.Rename}
}

// Dir returns the output directory
func (e *Exporter) Dir() string {
	return e.dir
}

type artifact struct {
	name   string
	write  func(io.Writer) error
	tmp    string
	backup string
	placed bool
}

// Export writes the cleaned mesh, the painted mesh and the reference image. Files are
// written to temporary names first and only renamed into place once all three succeeded.
// If a rename fails the previous set is restored.
func (e *Exporter) Export(ctx context.Context, cleaned *mesh.Mesh, painted *mesh.TexturedMesh, img image.Image) (OutputPaths, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return OutputPaths{}, &ExportError{Path: e.dir, Err: err}
	}

	artifacts := []*artifact{
		{name: MeshFile, write: func(w io.Writer) error { return mesh.WriteGLB(w, cleaned) }},
		{name: PaintedFile, write: func(w io.Writer) error { return mesh.WriteTexturedGLB(w, painted) }},
		{name: ImageFile, write: func(w io.Writer) error { return processing.EncodeImage(w, img, "png", 0, false) }},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range artifacts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tmp, err := e.writeTemp(a)
			a.tmp = tmp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		removeTemps(artifacts)
		return OutputPaths{}, err
	}

	if err := e.install(artifacts); err != nil {
		return OutputPaths{}, err
	}

	return OutputPaths{
		RawMesh:     filepath.Join(e.dir, MeshFile),
		PaintedMesh: filepath.Join(e.dir, PaintedFile),
		Image:       filepath.Join(e.dir, ImageFile),
	}, nil
}

func (e *Exporter) writeTemp(a *artifact) (string, error) {
	f, err := os.CreateTemp(e.dir, "."+a.name+".*.tmp")
	if err != nil {
		return "", &ExportError{Path: filepath.Join(e.dir, a.name), Err: err}
	}
	if err := a.write(f); err != nil {
		f.Close()
		return f.Name(), &ExportError{Path: filepath.Join(e.dir, a.name), Err: fmt.Errorf("encode: %w", err)}
	}
	if err := f.Close(); err != nil {
		return f.Name(), &ExportError{Path: filepath.Join(e.dir, a.name), Err: err}
	}
	return f.Name(), nil
}

// install renames the staged files into place. Existing outputs are moved aside first
// and only deleted once all three new files are in place.
func (e *Exporter) install(artifacts []*artifact) error {
	for _, a := range artifacts {
		final := filepath.Join(e.dir, a.name)
		if _, err := os.Lstat(final); err == nil {
			backup := a.tmp + ".prev"
			if err := e.rename(final, backup); err != nil {
				e.rollback(artifacts)
				return &ExportError{Path: final, Err: err}
			}
			a.backup = backup
		}
		if err := e.rename(a.tmp, final); err != nil {
			e.rollback(artifacts)
			return &ExportError{Path: final, Err: err}
		}
		a.tmp, a.placed = "", true
	}

	for _, a := range artifacts {
		if a.backup != "" {
			os.Remove(a.backup)
		}
	}
	return nil
}

// rollback puts the previous outputs back and drops everything staged
func (e *Exporter) rollback(artifacts []*artifact) {
	for _, a := range artifacts {
		final := filepath.Join(e.dir, a.name)
		if a.placed {
			os.Remove(final)
		}
		if a.backup != "" {
			os.Rename(a.backup, final)
		}
	}
	removeTemps(artifacts)
}

func removeTemps(artifacts []*artifact) {
	for _, a := range artifacts {
		if a.tmp != "" {
			os.Remove(a.tmp)
		}
	}
}

// Package sdk bundles a compiled policy for tenant developers: the generated
// guest program, the normalized policy document, a Go client for the prover
// and a README. Bundles are content addressed, so the same policy always has
// the same sdk id.
package sdk

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"zkgate/internal/compiler/codegen"
	"zkgate/internal/compiler/dsl"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	"zkgate/pkg/platform/sentinel"
)

// Bundle file names.
const (
	FileGuest  = "guest/guest.go"
	FilePolicy = "policy.json"
	FileReadme = "README.md"
	FileClient = "client/client.go"
)

// Store keeps rendered archives. artifact.Store satisfies it.
type Store interface {
	Put(ctx context.Context, id domain.ProgramIdentity, data []byte) (string, error)
	Get(ctx context.Context, id domain.ProgramIdentity) ([]byte, error)
}

type Generator struct {
	store     Store
	publicURL string
	logger    *slog.Logger
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// NewGenerator renders bundles whose client targets publicURL.
func NewGenerator(store Store, publicURL string, opts ...Option) *Generator {
	g := &Generator{store: store, publicURL: publicURL, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders and stores the bundle for a compiled policy. raw is the
// document as submitted, in JSON or YAML.
func (g *Generator) Generate(ctx context.Context, doc *dsl.Document, src codegen.Source, raw []byte) (domain.ProgramIdentity, error) {
	archive, err := g.Render(doc, src, raw)
	if err != nil {
		return domain.ProgramIdentity{}, err
	}
	id := domain.IdentityOf(archive)
	if _, err := g.store.Put(ctx, id, archive); err != nil {
		return domain.ProgramIdentity{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store sdk bundle")
	}
	g.logger.InfoContext(ctx, "sdk bundle generated", "sdk_id", id.Short(), "use_case", doc.UseCase, "bytes", len(archive))
	return id, nil
}

// Archive returns a stored bundle as a gzipped tarball.
func (g *Generator) Archive(ctx context.Context, id domain.ProgramIdentity) ([]byte, error) {
	b, err := g.store.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "sdk bundle not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read sdk bundle")
	}
	return b, nil
}

// Render builds the archive without storing it.
func (g *Generator) Render(doc *dsl.Document, src codegen.Source, raw []byte) ([]byte, error) {
	policy, err := NormalizePolicy(raw)
	if err != nil {
		return nil, err
	}
	view := newTemplateData(doc, g.publicURL)
	readme, err := renderReadme(view)
	if err != nil {
		return nil, err
	}
	client, err := renderClient(view)
	if err != nil {
		return nil, err
	}
	return pack([]file{
		{FileClient, client},
		{FileGuest, src.Code},
		{FilePolicy, policy},
		{FileReadme, readme},
	})
}

// NormalizePolicy re-encodes a JSON or YAML document as indented JSON with
// sorted keys.
func NormalizePolicy(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeParse, "policy is not valid JSON or YAML")
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeParse, "policy cannot be encoded as JSON")
	}
	return append(out, '\n'), nil
}

type file struct {
	name string
	body []byte
}

// epoch pins header times so equal inputs give equal archives.
var epoch = time.Unix(0, 0).UTC()

func pack(files []file) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Size:     int64(len(f.body)),
			ModTime:  epoch,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write %s header: %w", f.name, err)
		}
		if _, err := tw.Write(f.body); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// SPDX-License-Identifier: MPL-2.0

// Package pipeline orchestrates artifact builds.
//
// A build is a linear stage machine: requested, preparing, probing,
// relocating (runtime artifacts only), archiving, verifying, done. Each
// artifact kind walks the subset of stages it needs; the first failing stage
// aborts the build and is recorded in the returned *StageError, so a caller
// can always say which step broke.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"relkit/internal/archive"
	"relkit/internal/config"
	"relkit/internal/manifest"
	"relkit/internal/probe"
	"relkit/internal/relocate"
)

type (
	// Request describes one artifact build.
	Request struct {
		Kind Kind
		// DryRun runs every inspection stage but writes no artifact. For
		// runtime builds the relocation is applied, counted, and rolled
		// back so the environment is left untouched.
		DryRun bool
	}

	// Artifact is the outcome of a successful build. A dry run produces an
	// Artifact with an empty Path and Verified false.
	Artifact struct {
		Kind Kind
		// Path is the finished artifact on disk.
		Path string
		// Size is the artifact size in bytes.
		Size int64
		// Tag is the platform tag; nil for platform-independent artifacts.
		Tag *probe.Tag
		// Manifest lists archive entries, for archive-shaped artifacts.
		Manifest archive.Manifest
		// Relocations counts the files rewritten during relocation.
		Relocations int
		// Verified reports whether the verification stage ran and passed.
		Verified bool
	}

	// Pipeline builds artifacts for one project.
	Pipeline struct {
		root     string
		manifest *manifest.Manifest
		cfg      *config.Config
		runner   Runner
		excludes *archive.ExclusionSet
		logger   *log.Logger
	}
)

// New assembles a pipeline for the project rooted at root. The manifest's
// exclusion file, if any, is loaded here so a malformed pattern fails fast
// rather than mid-build.
func New(root string, m *manifest.Manifest, cfg *config.Config, runner Runner) (*Pipeline, error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "relkit",
	})
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	var excludes *archive.ExclusionSet
	if m.ExcludeFile != "" {
		var err error
		excludes, err = archive.LoadExclusionFile(filepath.Join(root, m.ExcludeFile))
		if err != nil {
			return nil, fmt.Errorf("loading exclusion file: %w", err)
		}
	}

	return &Pipeline{
		root:     root,
		manifest: m,
		cfg:      cfg,
		runner:   runner,
		excludes: excludes,
		logger:   logger,
	}, nil
}

// Run executes one build request. On failure the returned error is a
// *StageError naming the stage that broke; no partial artifact remains on
// disk.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Artifact, error) {
	p.logger.Info("build requested", "kind", req.Kind, "project", p.manifest.Name, "version", p.manifest.Version, "dry_run", req.DryRun)

	var (
		art *Artifact
		err error
	)
	switch req.Kind {
	case KindSource:
		art, err = p.buildSource(ctx, req)
	case KindRuntime:
		art, err = p.buildRuntime(ctx, req)
	case KindOnefile:
		art, err = p.buildOnefile(ctx, req)
	case KindOnedir:
		art, err = p.buildOnedir(ctx, req)
	default:
		err = &StageError{Stage: StageRequested, Err: fmt.Errorf("unknown artifact kind %q", req.Kind)}
	}
	if err != nil {
		p.logger.Error("build failed", "kind", req.Kind, "error", err)
		return nil, err
	}

	if art.Path != "" {
		p.logger.Info("build done", "kind", req.Kind, "path", art.Path, "size", art.Size)
	} else {
		p.logger.Info("dry run done", "kind", req.Kind, "relocations", art.Relocations)
	}
	return art, nil
}

func (p *Pipeline) buildSource(ctx context.Context, req Request) (*Artifact, error) {
	p.logger.Debug("stage", "stage", StagePreparing)
	if len(p.manifest.Include) == 0 {
		return nil, &StageError{Stage: StagePreparing, Err: fmt.Errorf("manifest lists no include entries")}
	}

	sources := make([]archive.Source, 0, len(p.manifest.Include))
	for _, inc := range p.manifest.Include {
		full := filepath.Join(p.root, filepath.FromSlash(inc))
		info, err := os.Stat(full)
		if err != nil {
			return nil, &StageError{Stage: StagePreparing, Err: fmt.Errorf("include entry %s: %w", inc, err)}
		}
		prefix := ""
		if info.IsDir() {
			prefix = filepath.ToSlash(inc)
		}
		sources = append(sources, archive.Source{Path: full, Prefix: prefix})
	}

	art := &Artifact{Kind: KindSource}
	if req.DryRun {
		return art, nil
	}

	p.logger.Debug("stage", "stage", StageArchiving)
	outPath, err := p.outputPath(archive.DefaultName(p.manifest.Name, p.manifest.Version, "src"))
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}
	b := &archive.Builder{Sources: sources, Excludes: p.excludes, KeepPartial: p.cfg.KeepFailed}
	man, err := b.Build(ctx, outPath)
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}

	p.logger.Debug("stage", "stage", StageVerifying)
	expect := strings.TrimPrefix(filepath.ToSlash(p.manifest.Entrypoint), "./")
	if _, err := archive.Verify(outPath, expect); err != nil {
		// The failed archive stays on disk for inspection; only the build
		// result fails.
		return nil, &StageError{Stage: StageVerifying, Err: err}
	}

	return p.finish(art, outPath, man)
}

func (p *Pipeline) buildRuntime(ctx context.Context, req Request) (*Artifact, error) {
	envDir := filepath.Join(p.root, filepath.FromSlash(p.manifest.EnvRoot))

	p.logger.Debug("stage", "stage", StagePreparing)
	if err := p.runner.PrepareEnv(ctx); err != nil {
		return nil, &StageError{Stage: StagePreparing, Err: err}
	}
	if info, err := os.Stat(envDir); err != nil || !info.IsDir() {
		return nil, &StageError{Stage: StagePreparing, Err: fmt.Errorf("environment directory %s not present after env_command", p.manifest.EnvRoot)}
	}

	p.logger.Debug("stage", "stage", StageProbing)
	report, err := probe.Probe(p.root, p.manifest.EnvRoot)
	if err != nil {
		return nil, &StageError{Stage: StageProbing, Err: err}
	}
	tag := report.Tag
	for _, inc := range report.Inconsistencies {
		p.logger.Warn("unclassifiable file", "path", inc.Path, "reason", inc.Reason)
	}
	p.logger.Debug("probe complete", "tag", tag, "files", len(report.Files), "scripts", len(report.Scripts()))

	p.logger.Debug("stage", "stage", StageRelocating)
	records, err := relocate.RewriteShebangs(envDir, envDir)
	if err != nil {
		return nil, &StageError{Stage: StageRelocating, Err: err}
	}
	actRecord, err := relocate.NormalizeActivate(envDir)
	if err != nil {
		// The environment keeps consistent state on failure: undo the
		// shebang rewrites that already landed.
		if restoreErr := relocate.Restore(records); restoreErr != nil {
			p.logger.Error("rollback failed", "error", restoreErr)
		}
		return nil, &StageError{Stage: StageRelocating, Err: err}
	}

	relocations := len(records)
	if actRecord != nil {
		relocations++
	}

	art := &Artifact{Kind: KindRuntime, Tag: &tag, Relocations: relocations}
	if req.DryRun {
		if actRecord != nil {
			records = append(records, *actRecord)
		}
		if err := relocate.Restore(records); err != nil {
			return nil, &StageError{Stage: StageRelocating, Err: fmt.Errorf("rolling back dry run: %w", err)}
		}
		return art, nil
	}

	p.logger.Debug("stage", "stage", StageArchiving)
	outPath, err := p.outputPath(archive.DefaultName(p.manifest.Name, p.manifest.Version, tag.OS, tag.Arch, "runtime"))
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}
	b := &archive.Builder{
		Sources:     []archive.Source{{Path: envDir}},
		Excludes:    p.excludes,
		KeepPartial: p.cfg.KeepFailed,
	}
	man, err := b.Build(ctx, outPath)
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}

	p.logger.Debug("stage", "stage", StageVerifying)
	if _, err := archive.Verify(outPath, "bin/"+p.manifest.Interpreter); err != nil {
		// Failed archives stay on disk for inspection.
		return nil, &StageError{Stage: StageVerifying, Err: err}
	}

	return p.finish(art, outPath, man)
}

func (p *Pipeline) buildOnefile(ctx context.Context, req Request) (*Artifact, error) {
	binPath := filepath.Join(p.root, filepath.FromSlash(p.manifest.Build.OnefileOutput))

	p.logger.Debug("stage", "stage", StagePreparing)
	if err := p.runner.Bundle(ctx, KindOnefile); err != nil {
		return nil, &StageError{Stage: StagePreparing, Err: err}
	}
	if info, err := os.Stat(binPath); err != nil || !info.Mode().IsRegular() {
		return nil, &StageError{Stage: StagePreparing, Err: fmt.Errorf("executable %s not present after onefile_command", p.manifest.Build.OnefileOutput)}
	}

	p.logger.Debug("stage", "stage", StageProbing)
	det, err := probe.Classify(binPath)
	if err != nil {
		return nil, &StageError{Stage: StageProbing, Err: err}
	}
	if det.Format != probe.FormatNativeExecutable || det.Tag == nil {
		return nil, &StageError{Stage: StageProbing, Err: fmt.Errorf("%s is %s, want a native executable", p.manifest.Build.OnefileOutput, det.Format)}
	}
	tag := *det.Tag

	art := &Artifact{Kind: KindOnefile, Tag: &tag}
	if req.DryRun {
		return art, nil
	}

	p.logger.Debug("stage", "stage", StageArchiving)
	name := fmt.Sprintf("%s_%s_%s_%s", p.manifest.Name, p.manifest.NormalizedVersion(), tag.OS, tag.Arch)
	outPath, err := p.outputPath(name)
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}
	if err := copyExecutable(binPath, outPath); err != nil {
		if !p.cfg.KeepFailed {
			_ = os.Remove(outPath)
		}
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}

	p.logger.Debug("stage", "stage", StageVerifying)
	check, err := probe.Classify(outPath)
	if err != nil {
		// The copied executable stays on disk for inspection.
		return nil, &StageError{Stage: StageVerifying, Err: err}
	}
	if check.Tag == nil || *check.Tag != tag {
		return nil, &StageError{Stage: StageVerifying, Err: fmt.Errorf("copied executable no longer matches platform %s", tag)}
	}

	return p.finish(art, outPath, nil)
}

func (p *Pipeline) buildOnedir(ctx context.Context, req Request) (*Artifact, error) {
	bundleDir := filepath.Join(p.root, filepath.FromSlash(p.manifest.Build.OnedirOutput))

	p.logger.Debug("stage", "stage", StagePreparing)
	if err := p.runner.Bundle(ctx, KindOnedir); err != nil {
		return nil, &StageError{Stage: StagePreparing, Err: err}
	}
	if info, err := os.Stat(bundleDir); err != nil || !info.IsDir() {
		return nil, &StageError{Stage: StagePreparing, Err: fmt.Errorf("bundle directory %s not present after onedir_command", p.manifest.Build.OnedirOutput)}
	}

	p.logger.Debug("stage", "stage", StageProbing)
	report, err := probe.Probe(p.root, p.manifest.Build.OnedirOutput)
	if err != nil {
		return nil, &StageError{Stage: StageProbing, Err: err}
	}
	tag := report.Tag

	art := &Artifact{Kind: KindOnedir, Tag: &tag}
	if req.DryRun {
		return art, nil
	}

	p.logger.Debug("stage", "stage", StageArchiving)
	outPath, err := p.outputPath(archive.DefaultName(p.manifest.Name, p.manifest.Version, tag.OS, tag.Arch, "dir"))
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}
	prefix := fmt.Sprintf("%s-%s", p.manifest.Name, p.manifest.NormalizedVersion())
	b := &archive.Builder{
		Sources:     []archive.Source{{Path: bundleDir, Prefix: prefix}},
		Excludes:    p.excludes,
		KeepPartial: p.cfg.KeepFailed,
	}
	man, err := b.Build(ctx, outPath)
	if err != nil {
		return nil, &StageError{Stage: StageArchiving, Err: err}
	}

	p.logger.Debug("stage", "stage", StageVerifying)
	if _, err := archive.Verify(outPath, ""); err != nil {
		// Failed archives stay on disk for inspection.
		return nil, &StageError{Stage: StageVerifying, Err: err}
	}

	return p.finish(art, outPath, man)
}

// finish stamps the artifact with its on-disk size and marks it verified.
func (p *Pipeline) finish(art *Artifact, outPath string, man archive.Manifest) (*Artifact, error) {
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, &StageError{Stage: StageVerifying, Err: err}
	}
	art.Path = outPath
	art.Size = info.Size()
	art.Manifest = man
	art.Verified = true
	return art, nil
}

// outputPath resolves name inside the configured output directory, creating
// the directory if needed. Relative output directories resolve against the
// project root.
func (p *Pipeline) outputPath(name string) (string, error) {
	outDir := p.cfg.OutputDir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(p.root, outDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	return filepath.Join(outDir, name), nil
}

// copyExecutable copies a binary preserving its file mode.
func copyExecutable(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }() // read-only handle

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0o111)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", dst, closeErr)
		}
	}()

	if _, err := out.ReadFrom(in); err != nil {
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return nil
}

package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/warden/pkg/types"
)

// ManifestFile is the name of the manifest at the root of a workload package.
const ManifestFile = "warden.yaml"

// PackageManifest is the parsed warden.yaml of a workload package.
type PackageManifest struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description,omitempty"`
	GameType    string `yaml:"game_type" validate:"required"`

	// Entrypoint is the script or module run for each instance, relative to the
	// package directory.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex sha256 of the entrypoint.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Capabilities the package's worker needs.
	Capabilities []string `yaml:"capabilities,omitempty" validate:"dive,required"`

	// Schema is an optional CUE file constraining instance settings.
	Schema string `yaml:"schema,omitempty"`

	// Files are extra package files copied into each instance directory.
	Files []string `yaml:"files,omitempty" validate:"dive,required"`

	// SetupManifest, when present, is served without booting a worker.
	SetupManifest *types.SetupManifest `yaml:"setup_manifest,omitempty"`
}

// Package is a loaded workload package.
type Package struct {
	Manifest     PackageManifest
	Dir          string
	EntryPath    string
	Capabilities []Capability
	Verified     bool
}

// ManifestLoader loads and validates package manifests.
type ManifestLoader struct {
	validate *validator.Validate
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader() *ManifestLoader {
	return &ManifestLoader{validate: validator.New()}
}

// LoadFromDir loads the package rooted at dir.
func (m *ManifestLoader) LoadFromDir(dir string) (*Package, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve package dir: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(abs, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	pkg, err := m.LoadFromBytes(data, abs)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(pkg.EntryPath); err != nil {
		return nil, fmt.Errorf("entrypoint not found at %s: %w", pkg.EntryPath, err)
	}
	if pkg.Manifest.Checksum != "" {
		if err := pkg.VerifyChecksum(); err != nil {
			return nil, err
		}
	}
	return pkg, nil
}

// LoadFromBytes parses and validates a manifest for a package rooted at dir. The
// entrypoint is not read.
func (m *ManifestLoader) LoadFromBytes(data []byte, dir string) (*Package, error) {
	var raw PackageManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if _, err := RuntimeFor(raw.Entrypoint); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	for _, rel := range append([]string{raw.Entrypoint, raw.Schema}, raw.Files...) {
		if rel != "" && !localPath(rel) {
			return nil, fmt.Errorf("invalid manifest: %q escapes the package directory", rel)
		}
	}

	caps, err := ParseCapabilities(raw.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &Package{
		Manifest:     raw,
		Dir:          dir,
		EntryPath:    filepath.Join(dir, raw.Entrypoint),
		Capabilities: caps,
	}, nil
}

func localPath(rel string) bool {
	return !filepath.IsAbs(rel) && filepath.IsLocal(rel) && !strings.HasPrefix(filepath.Clean(rel), "..")
}

// VerifyChecksum checks the entrypoint against the manifest checksum.
func (p *Package) VerifyChecksum() error {
	if p.Manifest.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}
	data, err := os.ReadFile(p.EntryPath)
	if err != nil {
		return fmt.Errorf("failed to read entrypoint: %w", err)
	}

	hash := sha256.Sum256(data)
	computed := hex.EncodeToString(hash[:])
	if !strings.EqualFold(computed, p.Manifest.Checksum) {
		return fmt.Errorf("entrypoint checksum mismatch: expected %s, got %s", p.Manifest.Checksum, computed)
	}
	p.Verified = true
	return nil
}

// Runtime returns the runtime the entrypoint needs.
func (p *Package) Runtime() Runtime {
	rt, _ := RuntimeFor(p.Manifest.Entrypoint)
	return rt
}

// SchemaPath returns the absolute path of the CUE schema, or "" if none.
func (p *Package) SchemaPath() string {
	if p.Manifest.Schema == "" {
		return ""
	}
	return filepath.Join(p.Dir, p.Manifest.Schema)
}

// CopyInto copies the manifest, entrypoint, schema and extra files into dir.
func (p *Package) CopyInto(dir string) error {
	files := []string{ManifestFile, p.Manifest.Entrypoint}
	if p.Manifest.Schema != "" {
		files = append(files, p.Manifest.Schema)
	}
	files = append(files, p.Manifest.Files...)

	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(p.Dir, rel))
		if err != nil {
			return fmt.Errorf("failed to read package file %s: %w", rel, err)
		}
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
		}
		if err := os.WriteFile(dst, data, 0o640); err != nil {
			return fmt.Errorf("failed to write %s: %w", dst, err)
		}
	}
	return nil
}

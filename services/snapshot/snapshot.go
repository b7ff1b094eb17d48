// Package snapshot dumps the vector index to a signed tar.zst archive and
// restores it. The archive holds manifest.yaml followed by objects.jsonl,
// one vectorindex.Record per line.
package snapshot

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"artdb/pkg/vectorindex"
)

const (
	manifestFileName = "manifest.yaml"
	objectsFileName  = "objects.jsonl"
	defaultPageSize  = 100
)

// Source lists every record in the index.
type Source interface {
	Iterate(ctx context.Context, pageSize int, fn func(vectorindex.Record) error) error
}

// Target stores restored records.
type Target interface {
	Upsert(ctx context.Context, rec vectorindex.Record) (string, error)
}

// ExportConfig configures Export.
type ExportConfig struct {
	Source   Source
	Output   string
	Class    string
	Signer   *Signer
	PageSize int
	Now      func() time.Time
	Logger   zerolog.Logger
}

// ImportConfig configures Import.
type ImportConfig struct {
	Path   string
	Target Target
	Signer *Signer
	Logger zerolog.Logger
}

// ImportReport counts the outcome of an import.
type ImportReport struct {
	Imported    int
	Unconfirmed int
}

// Export writes every record of cfg.Source to a signed archive at cfg.Output.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Class == "" {
		cfg.Class = vectorindex.DefaultClass
	}

	dir := filepath.Dir(cfg.Output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	objects, err := os.CreateTemp(dir, ".artdb-objects-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("create objects file: %w", err)
	}
	defer func() {
		objects.Close()
		os.Remove(objects.Name())
	}()

	digest := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(objects, digest)}
	enc := json.NewEncoder(counter)
	records := 0
	err = cfg.Source.Iterate(ctx, cfg.PageSize, func(rec vectorindex.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		records++
		return enc.Encode(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Class:            cfg.Class,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Records:          records,
		Objects: File{
			Path:   objectsFileName,
			Size:   counter.n,
			SHA256: hex.EncodeToString(digest.Sum(nil)),
		},
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = cfg.Signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if _, err := objects.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind objects file: %w", err)
	}
	if err := writeArchive(cfg.Output, manifestBytes, objects, counter.n, manifest.CreatedAt); err != nil {
		return nil, err
	}

	cfg.Logger.Info().Str("output", cfg.Output).Int("records", records).Msg("wrote snapshot")
	return manifest, nil
}

func writeArchive(output string, manifest []byte, objects io.Reader, size int64, modTime time.Time) (err error) {
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:     objectsFileName,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write objects header: %w", err)
	}
	if _, err := io.Copy(tw, objects); err != nil {
		return fmt.Errorf("write objects body: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// Import verifies the archive at cfg.Path and upserts every record into
// cfg.Target. Nothing is written unless the signature and the objects digest
// both check out.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, ImportReport, error) {
	var report ImportReport
	if cfg.Path == "" {
		return nil, report, errors.New("snapshot file is required")
	}
	if cfg.Target == nil {
		return nil, report, errors.New("target is required")
	}
	if cfg.Signer == nil {
		return nil, report, errors.New("signer is required")
	}

	archive, err := os.Open(cfg.Path)
	if err != nil {
		return nil, report, fmt.Errorf("open snapshot: %w", err)
	}
	defer archive.Close()

	decoder, err := zstd.NewReader(archive)
	if err != nil {
		return nil, report, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tempDir, err := os.MkdirTemp("", "artdb-snapshot-*")
	if err != nil {
		return nil, report, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifest, objectsPath, err := extract(ctx, tar.NewReader(decoder), tempDir)
	if err != nil {
		return nil, report, err
	}
	if err := verifyManifest(cfg.Signer, manifest); err != nil {
		return nil, report, err
	}
	if err := verifyFile(objectsPath, manifest.Objects); err != nil {
		return nil, report, err
	}

	objects, err := os.Open(objectsPath)
	if err != nil {
		return nil, report, fmt.Errorf("open objects: %w", err)
	}
	defer objects.Close()

	dec := json.NewDecoder(objects)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return manifest, report, err
		}
		var rec vectorindex.Record
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return manifest, report, fmt.Errorf("decode record %d: %w", line, err)
		}
		if want := vectorindex.RecordID(rec.ArtworkID, rec.AuthorID, rec.Image); rec.ID != want {
			return manifest, report, fmt.Errorf("record %d: id %s does not match its content", line, rec.ID)
		}

		id, err := cfg.Target.Upsert(ctx, rec)
		if err != nil {
			return manifest, report, fmt.Errorf("restore record %s: %w", rec.ID, err)
		}
		if id == "" {
			report.Unconfirmed++
			cfg.Logger.Warn().Str("id", rec.ID).Msg("restored record not confirmed")
			continue
		}
		report.Imported++
	}

	cfg.Logger.Info().Int("imported", report.Imported).Int("unconfirmed", report.Unconfirmed).Msg("restored snapshot")
	return manifest, report, nil
}

// extract reads the manifest into memory and copies objects.jsonl to dir.
func extract(ctx context.Context, tr *tar.Reader, dir string) (*Manifest, string, error) {
	var (
		manifest    *Manifest
		objectsPath string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		switch filepath.Clean(header.Name) {
		case manifestFileName:
			data, err := io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return nil, "", fmt.Errorf("read manifest: %w", err)
			}
			var m Manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return nil, "", fmt.Errorf("unmarshal manifest: %w", err)
			}
			manifest = &m
		case objectsFileName:
			objectsPath = filepath.Join(dir, objectsFileName)
			file, err := os.Create(objectsPath)
			if err != nil {
				return nil, "", fmt.Errorf("create objects file: %w", err)
			}
			_, err = io.Copy(file, tr)
			file.Close()
			if err != nil {
				return nil, "", fmt.Errorf("extract objects: %w", err)
			}
		}
	}

	if manifest == nil {
		return nil, "", errors.New("snapshot missing manifest.yaml")
	}
	if objectsPath == "" {
		return nil, "", errors.New("snapshot missing objects.jsonl")
	}
	return manifest, objectsPath, nil
}

func verifyManifest(signer *Signer, m *Manifest) error {
	if m.Version != manifestVersion {
		return fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		return fmt.Errorf("verify manifest signature: %w", err)
	}
	return nil
}

func verifyFile(path string, want File) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", want.Path, err)
	}
	defer file.Close()

	digest := sha256.New()
	size, err := io.Copy(digest, file)
	if err != nil {
		return fmt.Errorf("hash %q: %w", want.Path, err)
	}
	if size != want.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", want.Path, want.Size, size)
	}
	if !strings.EqualFold(hex.EncodeToString(digest.Sum(nil)), want.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", want.Path)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

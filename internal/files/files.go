// Package files keeps uploads, generated programs and run outputs on local disk
// and hands out file:// references to them.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

var (
	ErrInvalidRef = errors.New("invalid file reference")
	ErrForeignRef = errors.New("file reference belongs to another client")
	ErrTooLarge   = errors.New("file exceeds size limit")
)

const (
	uploadsDir   = "uploads"
	artifactsDir = "artifacts"
	outputsDir   = "outputs"

	artifactName = "transform.py"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store is rooted at a single directory. Every reference it returns or accepts
// resolves inside that directory.
type Store struct {
	root string
}

var _ models.ArtifactWriter = (*Store)(nil)

// New creates the directory layout under root.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	for _, d := range []string{uploadsDir, artifactsDir, outputsDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", d, err)
		}
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// SaveUpload copies r into the job's upload area. Reading stops with
// ErrTooLarge once more than maxSize bytes have been seen.
func (s *Store) SaveUpload(ctx context.Context, clientID string, jobID uuid.UUID, name string, r io.Reader, maxSize int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.jobDir(uploadsDir, clientID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(name))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxSize+1))
	closeErr := f.Close()
	if err == nil && n > maxSize {
		err = ErrTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return ref(path), nil
}

// SaveArtifact writes the job's program, replacing any earlier version.
func (s *Store) SaveArtifact(ctx context.Context, clientID string, jobID uuid.UUID, a models.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.jobDir(artifactsDir, clientID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, artifactName)

	// Write then rename so a concurrent reader never sees a half-written program.
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := tmp.WriteString(a.Content); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("replace artifact: %w", err)
	}
	return ref(path), nil
}

// OutputPath reserves a location for a run's output and returns both the
// local path and its reference.
func (s *Store) OutputPath(clientID string, jobID uuid.UUID, name string) (string, string, error) {
	dir := s.jobDir(outputsDir, clientID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(name))
	_ = os.Remove(path)
	return path, ref(path), nil
}

// Path resolves a reference to a local path inside the store.
func (s *Store) Path(r string) (string, error) {
	u, err := url.Parse(r)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, r)
	}
	p := filepath.Clean(u.Path)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the data dir", ErrInvalidRef, r)
	}
	return p, nil
}

// CheckRef verifies that r resolves inside the store and, when clientID is
// set, inside that client's uploads, artifacts or outputs.
func (s *Store) CheckRef(r, clientID string) error {
	p, err := s.Path(r)
	if err != nil || clientID == "" {
		return err
	}
	client := sanitize(clientID)
	for _, area := range []string{uploadsDir, artifactsDir, outputsDir} {
		rel, err := filepath.Rel(filepath.Join(s.root, area, client), p)
		if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrForeignRef, r)
}

// UploadName names an uploaded file after its role, keeping the extension
// of the name the client sent.
func UploadName(role, original string) string {
	ext := strings.ToLower(filepath.Ext(sanitize(original)))
	if ext == "" {
		ext = ".csv"
	}
	return role + ext
}

// Open opens the file behind a reference.
func (s *Store) Open(r string) (*os.File, error) {
	p, err := s.Path(r)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// ReadArtifact loads a program previously written by SaveArtifact.
func (s *Store) ReadArtifact(r string) (models.Artifact, error) {
	p, err := s.Path(r)
	if err != nil {
		return models.Artifact{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return models.Artifact{Language: "python", Content: string(data)}, nil
}

// RemoveJob deletes everything stored for a job except its artifact, which
// later inference jobs may still use.
func (s *Store) RemoveJob(clientID string, jobID uuid.UUID) error {
	var errs []error
	for _, area := range []string{uploadsDir, outputsDir} {
		if err := os.RemoveAll(s.jobDir(area, clientID, jobID)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) jobDir(area, clientID string, jobID uuid.UUID) string {
	return filepath.Join(s.root, area, sanitize(clientID), jobID.String())
}

// sanitize reduces a client-supplied name to a single safe path element.
func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "file"
	}
	return name
}

func ref(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

package store

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/image/draw"

	"github.com/sports-movement/analysis-server/internal/logger"
	"github.com/sports-movement/analysis-server/pkg/types"
)

// StampLayout is the filename prefix shared by an upload and its results.
const StampLayout = "20060102_150405"

const (
	resultSuffix  = "_analysis.json"
	previewSuffix = "_preview.png"
)

// maxStampAttempts bounds the suffixes tried when a stamp is taken.
const maxStampAttempts = 1000

// Store persists uploads, analysis documents and preview images
type Store struct {
	uploadDir       string
	resultsDir      string
	previewMaxWidth int
	log             *logger.ModuleLogger

	// mu serializes stamp allocation.
	mu sync.Mutex

	// now is replaceable for tests.
	now func() time.Time
}

// Upload describes a stored upload. Stamp is unique per upload stem and
// names the result and preview files derived from it.
type Upload struct {
	Path  string
	Stamp string
	Bytes int64
}

// New creates the upload and results directories if needed
func New(uploadDir, resultsDir string, previewMaxWidth int) (*Store, error) {
	for _, dir := range []string{uploadDir, resultsDir} {
		if err := EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	return &Store{
		uploadDir:       uploadDir,
		resultsDir:      resultsDir,
		previewMaxWidth: previewMaxWidth,
		log:             logger.For("Store"),
		now:             time.Now,
	}, nil
}

// EnsureDir creates dir and its parents
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ResultsDir returns the directory holding analysis documents
func (s *Store) ResultsDir() string {
	return s.resultsDir
}

// SaveUpload copies r into the upload directory as <stamp>_<filename>.
// When another upload with the same stem already holds the stamp, a
// numeric suffix is appended (<stamp>-1, <stamp>-2, ...).
func (s *Store) SaveUpload(filename string, r io.Reader) (Upload, error) {
	name := sanitizeFilename(filename)

	file, path, stamp, err := s.createUpload(name)
	if err != nil {
		return Upload{}, err
	}

	n, err := io.Copy(file, r)
	if err != nil {
		file.Close()
		os.Remove(path)
		return Upload{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := file.Close(); err != nil {
		return Upload{}, fmt.Errorf("failed to close file: %w", err)
	}

	s.log.Debug("Stored upload %s (%d bytes)", filepath.Base(path), n)
	return Upload{Path: path, Stamp: stamp, Bytes: n}, nil
}

// createUpload picks the first free stamp for name and creates its file.
func (s *Store) createUpload(name string) (*os.File, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.now().Format(StampLayout)
	for i := 0; i < maxStampAttempts; i++ {
		stamp := base
		if i > 0 {
			stamp = fmt.Sprintf("%s-%d", base, i)
		}
		taken, err := s.stampTaken(stamp, name)
		if err != nil {
			return nil, "", "", err
		}
		if taken {
			continue
		}

		path := filepath.Join(s.uploadDir, fmt.Sprintf("%s_%s", stamp, name))
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to create file: %w", err)
		}
		return file, path, stamp, nil
	}
	return nil, "", "", fmt.Errorf("no free upload name for %s at %s", name, base)
}

// stampTaken reports whether stamp is already used by an upload or result
// with the same stem as name. Different extensions share result names.
func (s *Store) stampTaken(stamp, name string) (bool, error) {
	prefix := fmt.Sprintf("%s_%s", stamp, stem(name))
	if _, err := os.Stat(filepath.Join(s.resultsDir, prefix+resultSuffix)); err == nil {
		return true, nil
	}
	escaped := filepath.Join(globEscape(s.uploadDir), globEscape(prefix))
	for _, pattern := range []string{escaped, escaped + ".*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return false, fmt.Errorf("failed to scan uploads: %w", err)
		}
		if len(matches) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveResult writes doc as 2-space indented JSON and returns the file name
func (s *Store) SaveResult(stamp, filename string, doc *types.AnalysisResult) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}

	name := fmt.Sprintf("%s_%s%s", stamp, stem(filename), resultSuffix)
	if err := writeFileAtomic(filepath.Join(s.resultsDir, name), data); err != nil {
		return "", err
	}
	return name, nil
}

// SavePreview writes img as PNG, scaled down to the configured max width
func (s *Store) SavePreview(stamp, filename string, img image.Image) (string, error) {
	img = scaleToWidth(img, s.previewMaxWidth)

	name := fmt.Sprintf("%s_%s%s", stamp, stem(filename), previewSuffix)
	path := filepath.Join(s.resultsDir, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create preview: %w", err)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close preview: %w", err)
	}
	return name, nil
}

// ListResults returns stored analysis documents, newest first
func (s *Store) ListResults() ([]types.ResultFile, error) {
	entries, err := os.ReadDir(s.resultsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read results directory: %w", err)
	}

	files := make([]types.ResultFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, types.ResultFile{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().Format(time.RFC3339),
		})
	}

	// Names start with the stamp, so lexical order is chronological.
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, nil
}

// ResultPath resolves a stored file name inside the results directory.
// Names that are not plain files of the directory are rejected.
func (s *Store) ResultPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", types.ErrResultNotFound
	}
	if !strings.HasSuffix(name, resultSuffix) && !strings.HasSuffix(name, previewSuffix) {
		return "", types.ErrResultNotFound
	}

	path := filepath.Join(s.resultsDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", types.ErrResultNotFound
	}
	return path, nil
}

// ReadResult loads a stored analysis document as generic JSON
func (s *Store) ReadResult(name string) (map[string]any, error) {
	path, err := s.ResultPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", name, err)
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func scaleToWidth(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// sanitizeFilename keeps only the final path element of a client filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// stem returns the filename without directory and final extension.
func stem(name string) string {
	base := sanitizeFilename(name)
	if s := strings.TrimSuffix(base, filepath.Ext(base)); s != "" {
		return s
	}
	return base
}

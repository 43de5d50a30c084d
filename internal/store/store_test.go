package store

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sports-movement/analysis-server/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "uploads"), filepath.Join(root, "results"), 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local) }
	return s
}

func TestSaveUploadPrefixesStamp(t *testing.T) {
	s := newTestStore(t)

	up, err := s.SaveUpload("../../etc/squat.mp4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if up.Stamp != "20240309_140507" {
		t.Fatalf("stamp = %q", up.Stamp)
	}
	if filepath.Base(up.Path) != "20240309_140507_squat.mp4" {
		t.Fatalf("path = %q", up.Path)
	}
	if filepath.Dir(up.Path) != s.uploadDir {
		t.Fatalf("upload escaped the upload dir: %q", up.Path)
	}
	if up.Bytes != int64(len("video-bytes")) {
		t.Fatalf("bytes = %d", up.Bytes)
	}
	data, err := os.ReadFile(up.Path)
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("stored content = %q, err = %v", data, err)
	}
}

func TestSaveResultNameAndIndent(t *testing.T) {
	s := newTestStore(t)
	doc := &types.AnalysisResult{
		VideoFilename:     "jump.mov",
		ProcessedAt:       "2024-03-09T14:05:07.000000",
		KeypointsPerFrame: types.KeypointsPerFrame,
		Frames:            []types.FrameData{{FrameNumber: 0, Keypoints: []types.Keypoint{}}},
	}

	name, err := s.SaveResult("20240309_140507", "jump.mov", doc)
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if name != "20240309_140507_jump_analysis.json" {
		t.Fatalf("name = %q", name)
	}

	data, err := os.ReadFile(filepath.Join(s.ResultsDir(), name))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"video_filename\": \"jump.mov\"") {
		t.Fatalf("result not indented with two spaces:\n%s", data)
	}
	if !strings.Contains(string(data), `"keypoints": []`) {
		t.Fatalf("empty keypoints should encode as []:\n%s", data)
	}

	doc2, err := s.ReadResult(name)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if doc2["keypoints_per_frame"].(float64) != 33 {
		t.Fatalf("keypoints_per_frame = %v", doc2["keypoints_per_frame"])
	}
}

func TestListResultsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	doc := &types.AnalysisResult{Frames: []types.FrameData{}}
	for _, stamp := range []string{"20240101_000000", "20240301_000000", "20240201_000000"} {
		if _, err := s.SaveResult(stamp, "a.mp4", doc); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}
	// noise that must be ignored
	if err := os.WriteFile(filepath.Join(s.ResultsDir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := s.ListResults()
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
	if files[0].Name != "20240301_000000_a_analysis.json" || files[2].Name != "20240101_000000_a_analysis.json" {
		t.Fatalf("order = %v", files)
	}
}

func TestResultPathRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", "../secret_analysis.json", ".hidden_analysis.json", "x/y_analysis.json", "plain.txt", "missing_analysis.json"} {
		if _, err := s.ResultPath(name); !errors.Is(err, types.ErrResultNotFound) {
			t.Fatalf("ResultPath(%q) err = %v", name, err)
		}
	}
}

func TestSavePreviewScalesDown(t *testing.T) {
	s := newTestStore(t)
	img := image.NewRGBA(image.Rect(0, 0, 128, 64))
	for x := 0; x < 128; x++ {
		img.Set(x, 10, color.RGBA{255, 0, 0, 255})
	}

	name, err := s.SavePreview("20240309_140507", "run.mp4", img)
	if err != nil {
		t.Fatalf("SavePreview: %v", err)
	}
	if name != "20240309_140507_run_preview.png" {
		t.Fatalf("name = %q", name)
	}

	f, err := os.Open(filepath.Join(s.ResultsDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Fatalf("preview size = %v, want 32x16", b)
	}
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":        "clip",
		"archive.tar.gz":  "archive.tar",
		"noext":           "noext",
		".mp4":            ".mp4",
		"":                "upload",
		`C:\videos\a.mov`: "a",
	}
	for in, want := range cases {
		if got := stem(in); got != want {
			t.Fatalf("stem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveUploadSameSecondGetsDistinctStamps(t *testing.T) {
	s := newTestStore(t)

	first, err := s.SaveUpload("clip.mp4", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	second, err := s.SaveUpload("clip.mp4", strings.NewReader("second"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	// Same stem, different extension: the result name would collide too.
	third, err := s.SaveUpload("clip.mov", strings.NewReader("third"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}

	wantStamps := []string{"20240309_140507", "20240309_140507-1", "20240309_140507-2"}
	for i, up := range []Upload{first, second, third} {
		if up.Stamp != wantStamps[i] {
			t.Fatalf("upload %d stamp = %q, want %q", i, up.Stamp, wantStamps[i])
		}
	}
	if filepath.Base(second.Path) != "20240309_140507-1_clip.mp4" {
		t.Fatalf("second path = %q", second.Path)
	}

	for up, want := range map[Upload]string{first: "first", second: "second", third: "third"} {
		data, err := os.ReadFile(up.Path)
		if err != nil || string(data) != want {
			t.Fatalf("%s content = %q, err = %v", filepath.Base(up.Path), data, err)
		}
	}

	doc := &types.AnalysisResult{Frames: []types.FrameData{}}
	names := map[string]bool{}
	for _, up := range []Upload{first, second, third} {
		name, err := s.SaveResult(up.Stamp, filepath.Base(up.Path), doc)
		if err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
		names[name] = true
	}
	if len(names) != 3 {
		t.Fatalf("result names collided: %v", names)
	}

	files, err := s.ListResults()
	if err != nil || len(files) != 3 {
		t.Fatalf("ListResults = %v, %v", files, err)
	}
}

func TestSaveUploadSkipsStampWithExistingResult(t *testing.T) {
	s := newTestStore(t)

	// A result left over from an upload that has since been removed.
	if _, err := s.SaveResult("20240309_140507", "clip.mp4", &types.AnalysisResult{}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	up, err := s.SaveUpload("clip.mp4", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if up.Stamp != "20240309_140507-1" {
		t.Fatalf("stamp = %q, want suffixed stamp", up.Stamp)
	}
}

func TestSaveUploadConcurrent(t *testing.T) {
	s := newTestStore(t)

	const n = 8
	var wg sync.WaitGroup
	stamps := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			up, err := s.SaveUpload("clip.mp4", strings.NewReader("x"))
			stamps[i], errs[i] = up.Stamp, err
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("SaveUpload %d: %v", i, errs[i])
		}
		if seen[stamps[i]] {
			t.Fatalf("stamp %q handed out twice", stamps[i])
		}
		seen[stamps[i]] = true
	}
}

func TestSaveUploadBracketInName(t *testing.T) {
	s := newTestStore(t)
	// An unclosed "[" is a bad glob pattern unless escaped.
	if _, err := s.SaveUpload("take[1.mp4", strings.NewReader("a")); err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	up, err := s.SaveUpload("take[1.mp4", strings.NewReader("b"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if up.Stamp != "20240309_140507-1" {
		t.Fatalf("stamp = %q", up.Stamp)
	}
}

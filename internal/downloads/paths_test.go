package downloads

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCategorizeByExtension(t *testing.T) {
	cases := []struct {
		fileName string
		mime     string
		want     string
	}{
		{"movie.MKV", "", CategoryVideo},
		{"song.flac", "", CategoryAudio},
		{"photo.jpeg", "", CategoryImage},
		{"report.pdf", "", CategoryDocument},
		{"backup.tar", "", CategoryArchive},
		{"", "video/mp4", CategoryVideo},
		{"", "audio/ogg", CategoryAudio},
		{"", "image/png", CategoryImage},
		{"notes", "text/plain", CategoryDocument},
		{"payload", "application/zip", CategoryArchive},
		{"mystery", "application/octet-stream", CategoryOther},
		{"", "", CategoryOther},
	}
	for _, tc := range cases {
		if got := Categorize(tc.fileName, tc.mime); got != tc.want {
			t.Errorf("Categorize(%q, %q) = %q, want %q", tc.fileName, tc.mime, got, tc.want)
		}
	}
}

func TestExtensionBeatsMime(t *testing.T) {
	// A .pdf named file with a video mime still files under documents.
	if got := Categorize("scan.pdf", "video/mp4"); got != CategoryDocument {
		t.Fatalf("expected extension to win, got %q", got)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"  spaced name.txt  ", "spaced name.txt"},
		{"../../etc/passwd", "passwd"},
		{"semi:colon*star?.txt", "semi_colon_star_.txt"},
		{"...", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeFileName(tc.in); got != tc.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTargetPath(t *testing.T) {
	got := TargetPath("/data/downloads", -100, 42, "clip.mp4", "video/mp4")
	want := filepath.Join("/data/downloads", CategoryVideo, "clip.mp4")
	if got != want {
		t.Fatalf("TargetPath = %q, want %q", got, want)
	}
}

func TestTargetPathNamelessMedia(t *testing.T) {
	got := TargetPath("/data/downloads", -100, 42, "", "image/jpeg")
	want := filepath.Join("/data/downloads", CategoryImage, "-100_42.jpg")
	if got != want {
		t.Fatalf("TargetPath = %q, want %q", got, want)
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	if got := retryDelay(1); got != 30*time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := retryDelay(2); got != time.Minute {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := retryDelay(20); got != 10*time.Minute {
		t.Fatalf("attempt 20: got %v", got)
	}
}

package organizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Re:Zero / Starting Life", "Re:Zero - Starting Life"},
		{`Fate\Stay Night`, "Fate - Stay Night"},
		{"  Spaced   Out  ", "Spaced Out"},
		{"Frieren／Beyond", "Frieren - Beyond"},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDisplayTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Mushoku Tensei Season 2", "Mushoku Tensei"},
		{"Mushoku Tensei S2", "Mushoku Tensei"},
		{"Mushoku Tensei season 02", "Mushoku Tensei"},
		{"Mushoku Tensei 第2季", "Mushoku Tensei"},
		{"無職転生 第2期", "無職転生"},
		{"無職転生第2期", "無職転生"},
		{"86", "86"},
		{"Season of Love", "Season of Love"},
	}
	for _, tt := range tests {
		if got := DisplayTitle(tt.in); got != tt.want {
			t.Errorf("DisplayTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOrganizeFile(t *testing.T) {
	root := t.TempDir()
	incoming := t.TempDir()

	src := filepath.Join(incoming, "[SubsPlease] Frieren S2 - 03 (1080p).mkv")
	if err := os.WriteFile(src, []byte("video-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := New(root, zerolog.Nop())
	dst, err := o.OrganizeFile(src, "Frieren Season 2", 2, 3)
	if err != nil {
		t.Fatalf("OrganizeFile: %v", err)
	}

	want := filepath.Join(root, "Frieren", "Season 02", "Frieren - S02E03.mkv")
	if dst != want {
		t.Errorf("dst = %q, want %q", dst, want)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("destination missing: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source should be gone, stat err = %v", err)
	}

	nfo, err := os.ReadFile(filepath.Join(root, "Frieren", "Season 02", "Frieren - S02E03.nfo"))
	if err != nil {
		t.Fatalf("nfo sidecar missing: %v", err)
	}
	for _, want := range []string{
		"<title>Frieren - S02E03</title>",
		"<showtitle>Frieren</showtitle>",
		"<episode>3</episode>",
		"<season>2</season>",
		"<lockdata>false</lockdata>",
	} {
		if !strings.Contains(string(nfo), want) {
			t.Errorf("nfo missing %q:\n%s", want, nfo)
		}
	}
}

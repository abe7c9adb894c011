// verifyhashes re-checks organized episodes against their hash manifests
// without going through the daemon. Useful after moving a library between
// disks or restoring from backup.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bangumid/bangumid/internal/manifest"
)

func main() {
	var (
		root    = flag.String("manifests", "./data/hash-manifests", "manifest root directory")
		show    = flag.String("show", "", "canonical show title (required)")
		season  = flag.Int("season", 1, "season number")
		startEp = flag.Int("start", 1, "first episode to verify")
		endEp   = flag.Int("end", 0, "last episode to verify (required)")
	)
	flag.Parse()

	if *show == "" || *endEp <= 0 || *endEp < *startEp {
		fmt.Fprintln(os.Stderr, "usage: verifyhashes -show <title> -end <ep> [-manifests dir] [-season n] [-start n]")
		os.Exit(2)
	}

	manifests := manifest.NewStore(*root)
	mismatches, err := manifests.VerifyRange(*show, *season, *startEp, *endEp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}

	if len(mismatches) == 0 {
		fmt.Printf("%s S%02d E%02d-E%02d: all hashes match\n", *show, *season, *startEp, *endEp)
		return
	}

	for _, m := range mismatches {
		switch m.Status {
		case "missing_manifest_entry":
			fmt.Printf("%s: no manifest entry\n", m.Episode)
		case "missing_file":
			fmt.Printf("%s: file missing: %s\n", m.Episode, m.Path)
		default:
			fmt.Printf("%s: %s (%s): expected %s got %s\n",
				m.Episode, m.Status, m.Path, m.ExpectedMD5, m.ActualMD5)
		}
	}
	os.Exit(1)
}

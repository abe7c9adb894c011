package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const nyaaStyleFeed = `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0">
<channel>
  <title>test feed</title>
  <item>
    <title>[SubsPlease] Show A - 05 (1080p)</title>
    <link>https://nyaa.si/view/100</link>
    <enclosure url="https://nyaa.si/download/100.torrent" type="application/x-bittorrent" />
  </item>
  <item>
    <title>[Group] Show B - 03</title>
    <link>magnet:?xt=urn:btih:deadbeef</link>
  </item>
  <item>
    <title>【字幕组】某动画 第10话</title>
    <link>https://bangumi.moe/torrent/0123456789abcdef01234567</link>
  </item>
</channel>
</rss>`

func TestPickLinkPreference(t *testing.T) {
	items, err := parseRSS([]byte(nyaaStyleFeed))
	if err != nil {
		t.Fatalf("parseRSS: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}

	// Torrent enclosure beats the entry page link.
	if got := pickLink(items[0]); got != "https://nyaa.si/download/100.torrent" {
		t.Errorf("item 0 link = %q, want enclosure", got)
	}
	// Magnet wins outright.
	if got := pickLink(items[1]); got != "magnet:?xt=urn:btih:deadbeef" {
		t.Errorf("item 1 link = %q, want magnet", got)
	}
	// Page link as fallback.
	if got := pickLink(items[2]); got != "https://bangumi.moe/torrent/0123456789abcdef01234567" {
		t.Errorf("item 2 link = %q, want page link", got)
	}
}

func TestFetchCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, nyaaStyleFeed)
	}))
	defer srv.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer bad.Close()

	c := NewClient(zerolog.Nop())
	got := c.FetchCandidates(context.Background(), []string{bad.URL, srv.URL}, DefaultFetchOptions())
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3 (bad feed skipped)", len(got))
	}
	if got[0].Source != srv.URL {
		t.Errorf("source = %q, want feed url", got[0].Source)
	}
}

func TestFetchCandidatesDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, nyaaStyleFeed)
	}))
	defer srv.Close()

	opts := DefaultFetchOptions()
	opts.Deadline = time.Now().Add(-time.Second)

	c := NewClient(zerolog.Nop())
	if got := c.FetchCandidates(context.Background(), []string{srv.URL}, opts); len(got) != 0 {
		t.Errorf("got %d candidates past deadline, want 0", len(got))
	}
}

func TestResolveDownloadLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/torrent/0123456789abcdef01234567" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"magnet":"magnet:?xt=urn:btih:cafebabe"}`)
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), WithBangumiAPI(srv.URL))

	tests := []struct {
		name, link, want string
	}{
		{"magnet passthrough", "magnet:?xt=urn:btih:aa", "magnet:?xt=urn:btih:aa"},
		{"non-bangumi passthrough", "https://nyaa.si/download/1.torrent", "https://nyaa.si/download/1.torrent"},
		{"bangumi resolved", "https://bangumi.moe/torrent/0123456789abcdef01234567", "magnet:?xt=urn:btih:cafebabe"},
		{"bangumi unknown id kept", "https://bangumi.moe/torrent/ffffffffffffffffffffffff", "https://bangumi.moe/torrent/ffffffffffffffffffffffff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ResolveDownloadLink(context.Background(), tt.link); got != tt.want {
				t.Errorf("ResolveDownloadLink(%q) = %q, want %q", tt.link, got, tt.want)
			}
		})
	}
}

func TestFetchBangumiAPICandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"torrents":[
			{"_id":"aaaaaaaaaaaaaaaaaaaaaaaa","title":"[Moe] Sousou no Frieren - 12 (1080p)","magnet":"magnet:?xt=urn:btih:01"},
			{"_id":"bbbbbbbbbbbbbbbbbbbbbbbb","title":"[Moe] Totally Different Series - 01"},
			{"_id":"cccccccccccccccccccccccc","title":"[Moe] Another Frieren Spinoff - 13"}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(zerolog.Nop(), WithBangumiAPI(srv.URL))
	opts := DefaultAPIFetchOptions()
	opts.MaxPages = 1

	got := c.FetchBangumiAPICandidates(context.Background(), []string{"Sousou no Frieren"}, opts)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	if got[0].Link != "magnet:?xt=urn:btih:01" {
		t.Errorf("link = %q, want magnet", got[0].Link)
	}
	if got[0].Source != "bangumi_api" {
		t.Errorf("source = %q, want bangumi_api", got[0].Source)
	}

	// No usable terms yields nothing.
	if got := c.FetchBangumiAPICandidates(context.Background(), []string{""}, opts); got != nil {
		t.Errorf("empty terms = %+v, want nil", got)
	}
}

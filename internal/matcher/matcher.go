// Package matcher parses release titles from torrent feeds and scores them
// against a show's aliases. Titles are messy: mixed English/CJK, optional
// season markers, resolution tokens that look like episode numbers. The
// parsers here are ordered from explicit to last-resort.
package matcher

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Candidate is one feed entry under consideration for an episode.
type Candidate struct {
	Title           string
	MagnetOrTorrent string
	Source          string
}

const (
	maxSeasonNo  = 30
	maxEpisodeNo = 300
)

var seasonPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bS0?([1-9]\d?)E\d{1,3}\b`),
	regexp.MustCompile(`(?i)\bS(?:EASON)?\s?0?([1-9]\d?)\b`),
	regexp.MustCompile(`(?i)\b([1-9]\d?)(?:st|nd|rd|th)\s+season\b`),
	regexp.MustCompile(`第\s?0?([1-9]\d?)\s?[季期]`),
}

// ExtractSeasonNo returns the season number found in a title, or 0.
func ExtractSeasonNo(title string) int {
	for _, pat := range seasonPatterns {
		if m := pat.FindStringSubmatch(title); m != nil {
			s, err := strconv.Atoi(m[1])
			if err == nil && s >= 1 && s <= maxSeasonNo {
				return s
			}
		}
	}
	return 0
}

var episodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bS\d{1,2}E(\d{1,3})\b`),
	regexp.MustCompile(`(?i)\b(?:E|EP)\s?0?(\d{1,3})\b`),
	regexp.MustCompile(`第\s?0?(\d{1,3})\s?[话話集]`),
	regexp.MustCompile(`(?i)(?:\[|\s|-)0?(\d{1,3})(?:v\d+)?(?:\]|\s|$)`),
}

var standaloneNumber = regexp.MustCompile(`\b(\d{1,4})\b`)

// Resolution and codec tokens that masquerade as episode numbers.
var badNumbers = map[int]bool{
	264: true, 265: true, 480: true, 540: true,
	576: true, 720: true, 1080: true, 1440: true, 2160: true,
}

// ExtractEpisodeNo returns the episode number found in a title, or 0.
// Explicit forms (S01E03, EP03, 第3话, bracketed) win; the standalone-number
// fallback rejects resolution tokens and years.
func ExtractEpisodeNo(title string) int {
	for _, pat := range episodePatterns {
		if m := pat.FindStringSubmatch(title); m != nil {
			ep, err := strconv.Atoi(m[1])
			// Episode 0 is usually a WebRip split, not a real episode.
			if err == nil && ep >= 1 && ep <= maxEpisodeNo {
				return ep
			}
		}
	}

	for _, m := range standaloneNumber.FindAllStringSubmatch(title, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if badNumbers[n] {
			continue
		}
		if n >= 1900 && n <= 2100 { // likely a year
			continue
		}
		if n >= 1 && n <= maxEpisodeNo {
			return n
		}
	}
	return 0
}

var episodeRangePattern = regexp.MustCompile(`(?:\[|\s|\()0?(\d{1,3})\s?[-~]\s?0?(\d{1,3})(?:v\d+)?(?:\]|\s|\)|$)`)

// ExtractEpisodeRange detects batch packs like "01-13" or "[01~24]" and
// returns the inclusive range. Returns (0, 0) when no plausible range is
// present; resolution-looking bounds and inverted ranges are rejected.
func ExtractEpisodeRange(title string) (lo, hi int) {
	for _, m := range episodeRangePattern.FindAllStringSubmatch(title, -1) {
		a, err1 := strconv.Atoi(m[1])
		b, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		if a < 1 || b > maxEpisodeNo || a >= b {
			continue
		}
		if badNumbers[a] || badNumbers[b] {
			continue
		}
		return a, b
	}
	return 0, 0
}

var (
	nonWordRun   = regexp.MustCompile(`[^\w\x{4e00}-\x{9fff}]+`)
	spaceRun     = regexp.MustCompile(`\s+`)
	seasonSynMap = []struct{ from, to string }{
		{"2nd season", "s2"}, {"3rd season", "s3"},
		{"second season", "s2"}, {"third season", "s3"},
		{"第2季", "s2"}, {"第二季", "s2"}, {"第3季", "s3"}, {"第三季", "s3"},
	}
)

func normalize(s string) string {
	x := strings.ToLower(s)
	for _, syn := range seasonSynMap {
		x = strings.ReplaceAll(x, syn.from, syn.to)
	}
	x = nonWordRun.ReplaceAllString(x, " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(x, " "))
}

var tokenStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true,
	"season": true, "part": true, "episode": true, "no": true, "ko": true,
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// AliasMatchScore scores how well a title matches any of the show's aliases:
// 40 for a direct substring hit, 30 for a conservative token overlap, else 0.
// Shorter aliases are tried first since they tend to be the canonical name.
func AliasMatchScore(title string, aliases []string) int {
	nt := normalize(title)
	sorted := make([]string, len(aliases))
	copy(sorted, aliases)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	for _, a := range sorted {
		na := normalize(a)
		if na == "" {
			continue
		}
		if strings.Contains(nt, na) {
			return 40
		}

		// Token-overlap fallback; generic tokens like "no"/"ko" are excluded
		// to avoid false positives across unrelated shows.
		aliasTokens := map[string]bool{}
		for _, tok := range strings.Split(na, " ") {
			if len(tok) >= 3 && !tokenStopwords[tok] && !isDigits(tok) {
				aliasTokens[tok] = true
			}
		}
		if len(aliasTokens) < 2 {
			continue
		}

		overlap := 0
		for _, tok := range strings.Split(nt, " ") {
			if aliasTokens[tok] {
				overlap++
				delete(aliasTokens, tok)
			}
		}
		if overlap >= 2 {
			return 30
		}
	}
	return 0
}

var badKeywords = []string{
	"camrip", "hdcam", "telesync", "ts ", "telecine",
	"screen record", "screenrec", "handcam",
	"theaniplex.in",
	"fanart corner", "fanart", "creditless", "nced", "ncop",
	"preview", "pv ", " pv", "trailer", "cm ", " cm",
	"menu", "bonus", "extra", "special", "ova ",
}

// IsBadRelease reports whether the title looks like a cam rip, an NC
// opening/ending, a preview, or other non-episode content.
func IsBadRelease(title string) bool {
	t := strings.ToLower(title)
	for _, k := range badKeywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// ScoreRelease scores a candidate title for a specific episode:
// alias match (0/30/40) + 40 episode match + 20 preferred subgroup + 10 for
// 1080p content.
func ScoreRelease(title string, aliases []string, epNo int, preferredSubgroups []string) int {
	t := strings.ToLower(title)
	score := AliasMatchScore(title, aliases)
	if ExtractEpisodeNo(title) == epNo {
		score += 40
	}
	for _, sg := range preferredSubgroups {
		if sg != "" && strings.Contains(t, strings.ToLower(sg)) {
			score += 20
			break
		}
	}
	if strings.Contains(t, "1080") {
		score += 10
	}
	return score
}

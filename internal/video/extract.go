// Package video finds video links in event descriptions, tracks which of
// them have been fetched per date, and drives the fetch-upload-record cycle
// for the outstanding ones.
package video

import (
	"strings"

	appLog "hwmirror/internal/log"
	"hwmirror/internal/model"
)

// DefaultHosts are the host substrings recognized when none are configured.
var DefaultHosts = []string{"youtube", "youtu.be"}

const urlTrailers = `.,;)>]"'` + "）。，；】」』"

var schemes = []string{"https://", "http://"}

// Extractor pulls video references out of free text.
type Extractor struct {
	hosts []string
}

func NewExtractor(hosts []string) *Extractor {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	return &Extractor{hosts: hosts}
}

// Extract scans description line by line. A line qualifies when it mentions
// a known host and carries an http scheme; every http(s) URL on such a line
// becomes a reference, including URLs glued to preceding text such as
// "video:https://...". Order is first-seen and duplicates are kept.
func (x *Extractor) Extract(description string) []model.VideoReference {
	var out []model.VideoReference
	for _, line := range strings.Split(description, "\n") {
		if !x.qualifies(line) {
			continue
		}
		found := 0
		for _, tok := range strings.Fields(line) {
			for _, u := range splitURLs(tok) {
				out = append(out, model.VideoReference{URL: u})
				found++
			}
		}
		if found == 0 {
			appLog.Warn("video: qualifying line has no URL", "line", strings.TrimSpace(line))
		}
	}
	return out
}

// splitURLs returns every http(s) URL inside tok. A URL runs until the next
// scheme or the end of tok, with trailing punctuation removed.
func splitURLs(tok string) []string {
	var out []string
	for {
		i := schemeIndex(tok)
		if i < 0 {
			return out
		}
		tok = tok[i:]
		end := len(tok)
		if j := schemeIndex(tok[len("http://"):]); j >= 0 {
			end = len("http://") + j
		}
		u := strings.TrimRight(tok[:end], urlTrailers)
		if hasScheme(u) && u != "http://" && u != "https://" {
			out = append(out, u)
		}
		tok = tok[end:]
	}
}

// schemeIndex is the index of the first http:// or https:// in s, or -1.
func schemeIndex(s string) int {
	best := -1
	for _, sc := range schemes {
		if i := strings.Index(s, sc); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// ExtractEvents concatenates Extract over a day's events, in order.
func (x *Extractor) ExtractEvents(events []model.Event) []model.VideoReference {
	var out []model.VideoReference
	for _, ev := range events {
		out = append(out, x.Extract(ev.Description)...)
	}
	return out
}

func (x *Extractor) qualifies(line string) bool {
	if !strings.Contains(line, "http") {
		return false
	}
	for _, h := range x.hosts {
		if strings.Contains(line, h) {
			return true
		}
	}
	return false
}

func hasScheme(tok string) bool {
	return strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://")
}

// Package extractor supplies the default contact extractor: a regex pass
// over fetched HTML that pulls emails, phone numbers, WhatsApp links, and
// social profile URLs. The pipeline treats the extractor as a replaceable
// collaborator behind domain.Extractor; swap this implementation out for a
// DOM-aware one without touching the pipeline.
package extractor

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/fairyhunter13/zenscraper/pkg/textx"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// phoneRe matches international-looking numbers with at least 7 digits,
	// allowing common separators. Candidates are digit-counted afterwards to
	// drop CSS coordinates and timestamps that happen to match.
	phoneRe    = regexp.MustCompile(`\+?[0-9][0-9 ().\-]{6,18}[0-9]`)
	whatsappRe = regexp.MustCompile(`https?://(?:wa\.me|api\.whatsapp\.com/send[^"'\s<>]*|chat\.whatsapp\.com)/?[^"'\s<>]*`)
	facebookRe = regexp.MustCompile(`https?://(?:www\.)?facebook\.com/[A-Za-z0-9_.\-/]+`)
	instaRe    = regexp.MustCompile(`https?://(?:www\.)?instagram\.com/[A-Za-z0-9_.\-/]+`)
	tiktokRe   = regexp.MustCompile(`https?://(?:www\.)?tiktok\.com/@?[A-Za-z0-9_.\-/]+`)
	youtubeRe  = regexp.MustCompile(`https?://(?:www\.)?youtube\.com/(?:channel|c|user|@)[A-Za-z0-9_.\-/@]*`)

	// assetExtRe drops email candidates that are actually asset filenames
	// (logo@2x.png and friends).
	assetExtRe = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|svg|webp|css|js|woff2?)$`)
)

// Extractor implements domain.Extractor with a pure regex pass.
type Extractor struct{}

// New constructs an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract scans html for contact candidates. finalURL is not used: matching
// runs over the html text alone, and nothing is fetched.
func (Extractor) Extract(_ context.Context, finalURL, html string) (domain.ExtractResult, error) {
	text := textx.SanitizeText(html)

	var out domain.ExtractResult
	out.Emails = dedupe(emailRe.FindAllString(text, -1), normalizeEmail)
	out.Phones = dedupe(phoneRe.FindAllString(text, -1), normalizePhone)
	out.Whatsapp = dedupe(whatsappRe.FindAllString(text, -1), strings.TrimSpace)

	out.Facebook = firstProfile(facebookRe.FindAllString(text, -1), "facebook.com")
	out.Instagram = firstProfile(instaRe.FindAllString(text, -1), "instagram.com")
	out.Tiktok = firstProfile(tiktokRe.FindAllString(text, -1), "tiktok.com")
	out.Youtube = firstProfile(youtubeRe.FindAllString(text, -1), "youtube.com")
	return out, nil
}

func normalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if assetExtRe.MatchString(s) {
		return ""
	}
	return s
}

func normalizePhone(s string) string {
	digits := 0
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	if digits < 7 || digits > 15 {
		return ""
	}
	return b.String()
}

// dedupe normalises every candidate and keeps the first occurrence of each
// non-empty result, preserving scan order.
func dedupe(in []string, norm func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, raw := range in {
		v := norm(raw)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// firstProfile returns the first candidate that looks like a profile page
// rather than a share/plugin URL on the given host.
func firstProfile(candidates []string, host string) string {
	for _, c := range candidates {
		u, err := url.Parse(c)
		if err != nil || !strings.Contains(u.Host, host) {
			continue
		}
		p := strings.Trim(u.Path, "/")
		if p == "" || strings.HasPrefix(p, "sharer") || strings.HasPrefix(p, "share") || strings.HasPrefix(p, "plugins") {
			continue
		}
		return strings.TrimRight(c, "/")
	}
	return ""
}

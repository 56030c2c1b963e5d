package liveness

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// phrases commonly shown by registrar and parking landing pages
var parkedPhrases = []string{
	"this domain is for sale",
	"this domain may be for sale",
	"domain is parked",
	"this domain is parked",
	"buy this domain",
	"the domain has expired",
	"this domain has expired",
	"domain for sale",
	"parked free",
	"parkingcrew",
	"sedoparking",
	"bodis.com",
	"hugedomains",
}

// LooksParked reports whether an HTML document resembles a domain parking page.
// Best effort: unreadable documents are not parked.
func LooksParked(r io.Reader) bool {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return false
	}

	var sb strings.Builder
	sb.WriteString(doc.Find("title").First().Text())
	sb.WriteByte(' ')
	doc.Find(`meta[name="description"], meta[name="keywords"]`).Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(s.AttrOr("content", ""))
		sb.WriteByte(' ')
	})
	doc.Find("script[src], iframe[src], a[href]").Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(s.AttrOr("src", s.AttrOr("href", "")))
		sb.WriteByte(' ')
	})
	sb.WriteString(doc.Find("body").Text())

	text := strings.ToLower(sb.String())
	for _, phrase := range parkedPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

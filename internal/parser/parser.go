// Package parser extracts bounded text chunks and outbound links from HTML.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/minorsearch/crawler/internal/crawl"
)

// HTMLParser implements crawl.Parser with goquery.
type HTMLParser struct{}

// New constructs an HTMLParser.
func New() *HTMLParser {
	return &HTMLParser{}
}

// Parse extracts the title, text chunks of at most chunkSize characters, and
// absolute outbound links from an HTML body. Relative links are resolved
// against pageURL; non-http(s) links are dropped.
func (p *HTMLParser) Parse(pageURL string, body []byte, chunkSize int) (crawl.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.ParseResult{}, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript, template").Remove()

	title := cleanText(doc.Find("title").First().Text())

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	return crawl.ParseResult{
		Title:  title,
		Chunks: ChunkText(text, chunkSize),
		Links:  extractLinks(doc, pageURL),
	}, nil
}

// ChunkText splits normalized text into chunks of at most size characters,
// preferring sentence boundaries and hard-splitting sentences that exceed
// the budget on their own.
func ChunkText(text string, size int) []string {
	normalized := cleanText(text)
	if normalized == "" || size <= 0 {
		return nil
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, sentence := range splitSentences(normalized) {
		runes := []rune(sentence)
		if len(runes) > size {
			flush()
			for start := 0; start < len(runes); start += size {
				end := start + size
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[start:end]))
			}
			continue
		}
		switch {
		case curLen == 0:
			cur.WriteString(sentence)
			curLen = len(runes)
		case curLen+1+len(runes) <= size:
			cur.WriteByte(' ')
			cur.WriteString(sentence)
			curLen += 1 + len(runes)
		default:
			flush()
			cur.WriteString(sentence)
			curLen = len(runes)
		}
	}
	flush()

	return chunks
}

// splitSentences breaks text after terminal punctuation followed by a space.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if runes[i+1] == ' ' {
				out = append(out, string(runes[start:i+1]))
				start = i + 2
				i++
			}
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{})
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

func cleanText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

package tooling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"steward/internal/domain"
	"steward/internal/schema"
)

// defaultMaxChars bounds the text returned when the model does not ask for a limit.
const defaultMaxChars = 8000

type WebPageRequest interface{ isWebPageRequest() }

type ReadWebPage struct {
	URL      string `json:"url"`
	MaxChars *int   `json:"maxChars,omitempty"`
}

func (ReadWebPage) isWebPageRequest() {}

// WebPage reads a page and returns its main text. Scripts and styles are
// stripped with goquery and the article is extracted with go-readability,
// falling back to the page's plain text.
type WebPage struct {
	Base
	fetcher HTTPFetcher
}

func NewWebPage(fetcher HTTPFetcher) *WebPage {
	return &WebPage{
		Base: Base{
			ToolName: "Web Pages",
			Summary:  "Use ReadWebPage to read the main text of a web page the user links to.",
		},
		fetcher: fetcher,
	}
}

// Package-level so tests can reach failure paths that natural HTML never hits.
var (
	webpageGoQueryParseFunc = goquery.NewDocumentFromReader
	webpageRenderHTMLFunc   = func(doc *goquery.Document) (string, error) { return doc.Html() }
	webpageReadabilityFunc  = func(input io.Reader, pageURL *url.URL) (readability.Article, error) {
		return readability.FromReader(input, pageURL)
	}
)

func (w *WebPage) Requests() *schema.Descriptor {
	return schema.Union("WebPageRequest",
		schema.Variant[ReadWebPage]("ReadWebPage",
			schema.Field("url", schema.String()).Doc("Absolute http or https URL of the page."),
			schema.Field("maxChars", schema.Optional(schema.Int())).
				Doc(fmt.Sprintf("Maximum number of characters to return. Defaults to %d.", defaultMaxChars)),
		).Doc("Read the main text content of a web page."),
	)
}

func (w *WebPage) EstimateCost(context.Context, *domain.ExecutionContext, WebPageRequest) domain.Cost {
	return domain.MinToolCost
}

type webPageResult struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (w *WebPage) Execute(ctx context.Context, _ *domain.ExecutionContext, req WebPageRequest) (domain.ToolResponse, error) {
	r, ok := req.(ReadWebPage)
	if !ok {
		return nil, errors.New("webpage: unsupported request")
	}
	pageURL, err := url.Parse(r.URL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") || pageURL.Host == "" {
		return domain.InvalidInput{Message: "invalid URL: must be an absolute http:// or https:// URL"}, nil
	}
	limit := defaultMaxChars
	if r.MaxChars != nil {
		if *r.MaxChars <= 0 {
			return domain.InvalidInput{Message: "maxChars must be positive"}, nil
		}
		limit = *r.MaxChars
	}

	raw, err := w.fetcher.Fetch(ctx, r.URL)
	if err != nil {
		return nil, err
	}
	title, text, err := extractPage(raw, pageURL)
	if err != nil {
		return nil, err
	}

	res := webPageResult{URL: r.URL, Title: title, Content: text}
	if runes := []rune(text); len(runes) > limit {
		res.Content = string(runes[:limit])
		res.Truncated = true
	}
	return domain.SuccessWith(res, domain.MinToolCost), nil
}

// extractPage strips scripts and styles, then extracts readable content.
// Falls back to plain text when readability cannot identify an article.
func extractPage(rawHTML []byte, pageURL *url.URL) (title, text string, err error) {
	doc, err := webpageGoQueryParseFunc(bytes.NewReader(rawHTML))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	title = strings.TrimSpace(doc.Find("title").First().Text())

	cleaned, err := webpageRenderHTMLFunc(doc)
	if err != nil {
		return "", "", fmt.Errorf("failed to render HTML: %w", err)
	}

	article, err := webpageReadabilityFunc(strings.NewReader(cleaned), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		if article.Title != "" {
			title = article.Title
		}
		return title, collapseBlankLines(article.TextContent), nil
	}

	text = collapseBlankLines(doc.Find("body").Text())
	if text == "" {
		return "", "", errors.New("no content found at URL")
	}
	return title, text, nil
}

// collapseBlankLines trims each line and drops empty ones.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

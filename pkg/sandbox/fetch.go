package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

const (
	// defaultFetchMaxBytes caps the raw body read for one sandbox fetch call.
	defaultFetchMaxBytes = 2 * 1024 * 1024 // 2 MB

	fetchRequestTimeout = 25 * time.Second
)

// Fetcher is the network-fetch capability exposed inside the sandbox.
// It is deliberately narrower than a general HTTP client: http/https only,
// size-capped bodies, text-like content types only.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// FetchOptions shapes one sandboxed fetch call.
type FetchOptions struct {
	Method  string            // default GET
	Headers map[string]string // additional request headers
	Body    string            // request body, sent as-is
	As      string            // "text" (default), "markdown", or "links" for HTML responses
}

// FetchLink is one extracted link in "links" mode.
type FetchLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// FetchResponse is what the sandboxed unit receives back.
type FetchResponse struct {
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	ContentType string            `json:"content_type"`
	Content     string            `json:"content,omitempty"`
	Links       []FetchLink       `json:"links,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Truncated   bool              `json:"truncated,omitempty"`
}

// NewFetcher creates the fetch capability. maxBytes <= 0 selects the default cap.
func NewFetcher(maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: fetchRequestTimeout},
		maxBytes: maxBytes,
	}
}

// Fetch performs one sandboxed HTTP request. An HTTP error status is not a
// Go error — the unit should see the status code and react.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResponse, error) {
	parsed, err := nurl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q: only http and https are available in the sandbox", parsed.Scheme)
	}

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if isBinaryContentType(contentType) {
		return nil, fmt.Errorf("binary content type %q is not fetchable from the sandbox", contentType)
	}

	// Read one byte past the cap so truncation is detectable.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	truncated := int64(len(raw)) > f.maxBytes
	if truncated {
		raw = raw[:f.maxBytes]
	}

	out := &FetchResponse{
		URL:         rawURL,
		Status:      resp.StatusCode,
		ContentType: contentType,
		Headers:     flattenHeaders(resp.Header),
		Truncated:   truncated,
	}

	isHTML := strings.Contains(contentType, "text/html")
	switch opts.As {
	case "", "text":
		out.Content = string(raw)
	case "markdown":
		if !isHTML {
			out.Content = string(raw)
			break
		}
		out.Content = htmlToMarkdown(string(raw), parsed)
	case "links":
		if !isHTML {
			return nil, fmt.Errorf("links mode requires an HTML response, got %q", contentType)
		}
		out.Links = extractLinks(string(raw), parsed)
	default:
		return nil, fmt.Errorf("unknown fetch mode %q: use text, markdown, or links", opts.As)
	}

	return out, nil
}

// htmlToMarkdown extracts the readable article body and converts it to
// Markdown. When readability finds nothing useful the whole page is
// converted instead.
func htmlToMarkdown(rawHTML string, pageURL *nurl.URL) string {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		if md, convErr := htmltomarkdown.ConvertString(rawHTML); convErr == nil {
			return md
		}
		return rawHTML
	}
	md, convErr := htmltomarkdown.ConvertString(article.Content)
	if convErr != nil {
		return article.TextContent
	}
	return md
}

// extractLinks walks the parsed HTML and returns deduplicated anchor links,
// resolved against the page URL. Fragment, javascript: and mailto: anchors
// are skipped.
func extractLinks(rawHTML string, baseURL *nurl.URL) []FetchLink {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var links []FetchLink
	seen := map[string]bool{}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = strings.TrimSpace(attr.Val)
					break
				}
			}
			if href != "" &&
				!strings.HasPrefix(href, "#") &&
				!strings.HasPrefix(href, "javascript:") &&
				!strings.HasPrefix(href, "mailto:") {
				if parsed, err := nurl.Parse(href); err == nil && baseURL != nil {
					href = baseURL.ResolveReference(parsed).String()
				}
				if !seen[href] {
					seen[href] = true
					text := strings.TrimSpace(nodeText(n))
					if text == "" {
						text = href
					}
					links = append(links, FetchLink{URL: href, Text: text})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// nodeText collects the visible text under a node.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// isBinaryContentType rejects content the model can't consume as text.
func isBinaryContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range []string{"image/", "video/", "audio/", "font/"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	switch {
	case strings.Contains(ct, "octet-stream"),
		strings.Contains(ct, "application/pdf"),
		strings.Contains(ct, "application/zip"),
		strings.Contains(ct, "application/gzip"):
		return true
	}
	return false
}

// flattenHeaders reduces the response headers to single values for easy
// consumption inside the sandbox.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

package enrich

import (
	"context"
	"errors"
	"io"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultPreviewTimeout  = 5 * time.Second
	defaultPreviewMaxBytes = 1 << 20
	previewUserAgent       = "radio-bonsai-preview/1.0"
	maxPreviewFieldLength  = 512
	maxPreviewRedirects    = 3
)

var (
	errBlockedAddress   = errors.New("destination address not allowed")
	errTooManyRedirects = errors.New("too many redirects")
)

// LinkPreviewerConfig configures outbound link unfurling.
type LinkPreviewerConfig struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxBytes int64
}

// LinkPreviewer fetches a page and extracts its Open Graph metadata.
type LinkPreviewer struct {
	client   *http.Client
	maxBytes int64
}

// NewLinkPreviewer constructs a previewer. A nil client gets a dedicated one
// with Timeout that refuses non-public destinations and caps redirects.
func NewLinkPreviewer(cfg LinkPreviewerConfig) *LinkPreviewer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPreviewTimeout
	}
	client := cfg.Client
	if client == nil {
		client = newPublicClient(timeout)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultPreviewMaxBytes
	}
	return &LinkPreviewer{client: client, maxBytes: maxBytes}
}

// Fetch unfurls rawURL. Every failure is an *EnrichmentError.
func (p *LinkPreviewer) Fetch(ctx context.Context, rawURL string) (records.LinkPreview, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return records.LinkPreview{}, previewError("parse url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return records.LinkPreview{}, previewError("unsupported scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return records.LinkPreview{}, previewError("missing host")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return records.LinkPreview{}, previewError("build request: %w", err)
	}
	request.Header.Set("User-Agent", previewUserAgent)
	request.Header.Set("Accept", "text/html,application/xhtml+xml")

	response, err := p.client.Do(request)
	if err != nil {
		return records.LinkPreview{}, previewError("fetch: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return records.LinkPreview{}, previewError("unexpected status %d", response.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(response.Header.Get("Content-Type"))
	if err != nil || (mediaType != "text/html" && mediaType != "application/xhtml+xml") {
		return records.LinkPreview{}, previewError("unsupported content type %q", response.Header.Get("Content-Type"))
	}

	preview, err := parsePreview(io.LimitReader(response.Body, p.maxBytes))
	if err != nil {
		return records.LinkPreview{}, previewError("parse html: %w", err)
	}
	if preview.Title == "" && preview.Description == "" && preview.Image == "" {
		return records.LinkPreview{}, previewError("no preview metadata at %s", target.String())
	}

	base := response.Request.URL
	if base == nil {
		base = target
	}
	preview.Image = resolveReference(base, preview.Image)
	preview.URL = resolveReference(base, preview.URL)
	if preview.URL == "" {
		preview.URL = target.String()
	}
	return preview, nil
}

// newPublicClient dials only public unicast addresses. The check runs on the
// resolved address so DNS names pointing inward are refused too.
func newPublicClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: rejectNonPublicAddress,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(request *http.Request, via []*http.Request) error {
			if len(via) >= maxPreviewRedirects {
				return errTooManyRedirects
			}
			if request.URL.Scheme != "http" && request.URL.Scheme != "https" {
				return fmt.Errorf("redirect to unsupported scheme %q", request.URL.Scheme)
			}
			return nil
		},
	}
}

func rejectNonPublicAddress(_ string, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !isPublicAddress(ip) {
		return fmt.Errorf("%w: %s", errBlockedAddress, ip)
	}
	return nil
}

func isPublicAddress(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	return true
}

func resolveReference(base *url.URL, value string) string {
	if value == "" {
		return ""
	}
	reference, err := url.Parse(value)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(reference)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

// parsePreview scans the document head for og:* and fallback metadata.
func parsePreview(body io.Reader) (records.LinkPreview, error) {
	var (
		openGraph    records.LinkPreview
		fallback     records.LinkPreview
		titleBuilder strings.Builder
		inTitle      bool
	)

	tokenizer := html.NewTokenizer(body)
scan:
	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			if errors.Is(tokenizer.Err(), io.EOF) {
				break scan
			}
			return records.LinkPreview{}, tokenizer.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			switch token.DataAtom {
			case atom.Title:
				inTitle = tokenType == html.StartTagToken
			case atom.Meta:
				key, content := metaKeyContent(token)
				switch key {
				case "og:title":
					openGraph.Title = content
				case "og:description":
					openGraph.Description = content
				case "og:image", "og:image:url":
					if openGraph.Image == "" {
						openGraph.Image = content
					}
				case "og:url":
					openGraph.URL = content
				case "description":
					fallback.Description = content
				case "twitter:image":
					fallback.Image = content
				}
			case atom.Body:
				break scan
			}
		case html.TextToken:
			if inTitle {
				titleBuilder.Write(tokenizer.Text())
			}
		case html.EndTagToken:
			token := tokenizer.Token()
			switch token.DataAtom {
			case atom.Title:
				inTitle = false
			case atom.Head:
				break scan
			}
		}
	}
	fallback.Title = titleBuilder.String()

	return records.LinkPreview{
		Title:       clip(firstNonEmpty(openGraph.Title, fallback.Title)),
		Description: clip(firstNonEmpty(openGraph.Description, fallback.Description)),
		Image:       strings.TrimSpace(firstNonEmpty(openGraph.Image, fallback.Image)),
		URL:         strings.TrimSpace(openGraph.URL),
	}, nil
}

func metaKeyContent(token html.Token) (string, string) {
	var key, content string
	for _, attribute := range token.Attr {
		switch strings.ToLower(attribute.Key) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(attribute.Val))
			}
		case "content":
			content = attribute.Val
		}
	}
	return key, content
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func clip(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= maxPreviewFieldLength {
		return value
	}
	return string(runes[:maxPreviewFieldLength])
}

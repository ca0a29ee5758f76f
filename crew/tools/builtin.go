package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
)

// Built-in tool classes. Subclasses name concrete implementations so crews
// can bind e.g. {class: "browser", subclass: "web_scraper"}.
const (
	ClassBrowser  = "browser"
	ClassSEO      = "seo"
	ClassAnalysis = "analysis"

	SubclassWebScraper   = "web_scraper"
	SubclassRobotsCheck  = "robots_checker"
	SubclassTokenCounter = "token_counter"
)

const maxFetchBytes = 2 << 20 // 2 MB page cap

// RegisterBuiltins installs the stock tools so production wiring never
// starts with an empty registry.
func RegisterBuiltins(r *Registry, client *http.Client, logger *zap.Logger) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r.Register(ClassBrowser, SubclassWebScraper, func(ctx context.Context) (Invocable, error) {
		return &webScraper{client: client, logger: logger}, nil
	})
	r.Register(ClassSEO, SubclassRobotsCheck, func(ctx context.Context) (Invocable, error) {
		return &robotsChecker{client: client}, nil
	})
	r.Register(ClassAnalysis, SubclassTokenCounter, func(ctx context.Context) (Invocable, error) {
		return &tokenCounter{}, nil
	})
}

// webScraper fetches a page and returns its visible text.
type webScraper struct {
	client *http.Client
	logger *zap.Logger
}

func (w *webScraper) Name() string        { return SubclassWebScraper }
func (w *webScraper) Description() string { return "Fetch a web page and return its visible text" }

func (w *webScraper) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        w.Name(),
		Description: w.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute URL of the page to fetch"}
			},
			"required": ["url"]
		}`),
	}
}

type urlArgs struct {
	URL string `json:"url"`
}

func (w *webScraper) Invoke(ctx context.Context, args json.RawMessage) (Result, error) {
	var in urlArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return Result{}, fmt.Errorf("invalid url %q: %w", in.URL, err)
	}

	body, err := w.fetch(ctx, in.URL)
	if err != nil {
		return Result{}, err
	}

	text := stripHTML(body)
	w.logger.Debug("page scraped",
		zap.String("url", in.URL), zap.Int("chars", len(text)))
	return Result{
		Raw:      text,
		Metadata: map[string]any{"url": in.URL, "length": len(text)},
	}, nil
}

func (w *webScraper) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "seomanager-crawler/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", target, err)
	}
	return string(data), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\s*(script|style|noscript)\s*>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]{2,}`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces a fetched page to whitespace-normalized visible text.
func stripHTML(html string) string {
	out := scriptRe.ReplaceAllString(html, " ")
	out = tagRe.ReplaceAllString(out, "\n")
	out = spaceRe.ReplaceAllString(out, " ")
	out = blankRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// robotsChecker inspects a site's robots.txt and reports declared sitemaps.
type robotsChecker struct {
	client *http.Client
}

func (r *robotsChecker) Name() string { return SubclassRobotsCheck }
func (r *robotsChecker) Description() string {
	return "Fetch a site's robots.txt and report crawl rules and sitemap URLs"
}

func (r *robotsChecker) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        r.Name(),
		Description: r.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Any URL on the target site"}
			},
			"required": ["url"]
		}`),
	}
}

func (r *robotsChecker) Invoke(ctx context.Context, args json.RawMessage) (Result, error) {
	var in urlArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("invalid arguments: %w", err)
	}
	base, err := url.Parse(in.URL)
	if err != nil || base.Host == "" {
		return Result{}, fmt.Errorf("invalid url %q", in.URL)
	}

	robotsURL := base.Scheme + "://" + base.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{
			Raw:      "no robots.txt found; all paths crawlable by default",
			Metadata: map[string]any{"robots_url": robotsURL, "exists": false},
		}, nil
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("fetch %s: status %d", robotsURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Result{}, err
	}

	body := string(data)
	var sitemaps []string
	disallows := 0
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "sitemap:"):
			sitemaps = append(sitemaps, strings.TrimSpace(line[len("sitemap:"):]))
		case strings.HasPrefix(lower, "disallow:"):
			if strings.TrimSpace(line[len("disallow:"):]) != "" {
				disallows++
			}
		}
	}

	summary := fmt.Sprintf("robots.txt: %d disallow rules, %d sitemaps", disallows, len(sitemaps))
	if len(sitemaps) > 0 {
		summary += "\nsitemaps:\n  " + strings.Join(sitemaps, "\n  ")
	}
	return Result{
		Raw: summary,
		Metadata: map[string]any{
			"robots_url": robotsURL,
			"exists":     true,
			"disallows":  disallows,
			"sitemaps":   sitemaps,
		},
	}, nil
}

// tokenCounter reports the token footprint of a text for a given model.
type tokenCounter struct{}

func (t *tokenCounter) Name() string { return SubclassTokenCounter }
func (t *tokenCounter) Description() string {
	return "Count the LLM tokens a text would consume for a given model"
}

func (t *tokenCounter) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"model": {"type": "string", "description": "Model name, defaults to gpt-4o"}
			},
			"required": ["text"]
		}`),
	}
}

func (t *tokenCounter) Invoke(ctx context.Context, args json.RawMessage) (Result, error) {
	var in struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.Model == "" {
		in.Model = "gpt-4o"
	}

	count, err := llm.NewTokenizer(in.Model).CountTokens(in.Text)
	if err != nil {
		return Result{}, fmt.Errorf("count tokens: %w", err)
	}
	return Result{
		Raw:      fmt.Sprintf("%d tokens (%s)", count, in.Model),
		Metadata: map[string]any{"tokens": count, "model": in.Model, "chars": len(in.Text)},
	}, nil
}

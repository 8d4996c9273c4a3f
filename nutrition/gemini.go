package nutrition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nutriscan/nutriscan/logging"
)

// Gemini defaults.
const (
	DefaultGeminiURL   = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel = "gemini-2.0-flash"

	defaultRequestsPerMinute = 60
	maxResponseSize          = 4 << 20
)

// GeminiOptions configure a GeminiClient.
type GeminiOptions struct {
	BaseURL string
	Model   string
	APIKey  string
	// RequestsPerMinute bounds outbound calls; 60 when zero.
	RequestsPerMinute int
	HTTPClient        *http.Client
	Clock             clock.Clock
}

// GeminiClient asks the Gemini generateContent endpoint for nutrition analyses.
type GeminiClient struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      clock.Clock
	logger     logging.Logger
}

// NewGeminiClient returns a client for opts. A missing API key is reported on first use.
func NewGeminiClient(opts GeminiOptions, logger logging.Logger) *GeminiClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGeminiURL
	}
	if opts.Model == "" {
		opts.Model = DefaultGeminiModel
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	burst := opts.RequestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &GeminiClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		apiKey:     opts.APIKey,
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), burst),
		clock:      opts.Clock,
		logger:     logger,
	}
}

// Model is the model name requests go to.
func (c *GeminiClient) Model() string {
	return c.model
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

var defaultGenerationConfig = generationConfig{
	Temperature:     0.7,
	TopK:            40,
	TopP:            0.95,
	MaxOutputTokens: 2048,
}

// Generate sends prompt and returns the first candidate's text.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: defaultGenerationConfig,
	})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.New("could not build Gemini request")
	}
	req.Header.Set("Content-Type", "application/json")

	//nolint:bodyclose
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the request URL, which holds the key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return "", errors.Wrap(err, "Gemini request failed")
	}
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", errors.Wrap(err, "could not read Gemini response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("Gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(ErrInvalidResponse, err.Error())
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", ErrInvalidResponse
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// Analyze asks the model about food in lang and extracts the headline values from the answer.
func (c *GeminiClient) Analyze(ctx context.Context, food, lang string) (Info, error) {
	lang = NormalizeLanguage(lang)
	c.logger.CDebugw(ctx, "requesting nutrition analysis", "food", food, "language", lang, "model", c.model)
	text, err := c.Generate(ctx, Prompt(food, lang))
	if err != nil {
		return Info{}, err
	}
	return Info{
		FoodName:  food,
		Analysis:  text,
		Extracted: Extract(text),
		Timestamp: c.clock.Now().UTC(),
		Source:    SourceGemini,
		Language:  lang,
	}, nil
}

// TestConnection sends a short prompt and reports whether an answer came back.
func (c *GeminiClient) TestConnection(ctx context.Context) ConnectionStatus {
	text, err := c.Generate(ctx, connectionPrompt)
	if err != nil {
		return ConnectionStatus{Success: false, Error: err.Error()}
	}
	return ConnectionStatus{
		Success:        true,
		Message:        fmt.Sprintf("connected to %s", c.model),
		ResponseLength: len([]rune(text)),
	}
}

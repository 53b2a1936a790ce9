// Package advisory produces decorative AI-generated display text. Every call
// degrades to a fixed fallback string on failure; errors never leave this
// package and nothing here may block the interactive path.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"academy/internal/model"
	"academy/internal/view"
)

const (
	// FallbackTip is shown when a learning tip cannot be generated.
	FallbackTip = "Keep practicing every day to master English!"
	// FallbackInsights is shown when enrollment insights cannot be generated.
	FallbackInsights = "Unable to generate insights at this time."

	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-1.5-flash"
)

// Client calls the Gemini generateContent API.
type Client struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with a bounded per-request timeout. With skip set the
// client returns canned text without touching the network, handy for dev and
// offline runs.
func New(apiKey string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		APIKey:  apiKey,
		Model:   defaultModel,
		BaseURL: defaultBaseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// LearningTip returns a short two-sentence tip for a grade, or FallbackTip.
func (c *Client) LearningTip(ctx context.Context, grade int) string {
	if c.Skip {
		return fmt.Sprintf("Read one English story this week and retell it aloud. Grade %d students grow fastest by speaking daily!", grade)
	}
	prompt := fmt.Sprintf("Provide a short, encouraging 2-sentence English learning tip specifically for a grade %d student.", grade)
	text, err := c.generate(ctx, prompt)
	if err != nil {
		return FallbackTip
	}
	return text
}

// EnrollmentInsights summarizes the roster's grade distribution in one
// paragraph, or FallbackInsights.
func (c *Client) EnrollmentInsights(ctx context.Context, students []model.Student) string {
	if c.Skip {
		return fmt.Sprintf("The academy currently has %d enrolled students. Enrollment is steady; consider a referral drive to grow under-represented grades.", len(students))
	}
	hist := view.GradeHistogram(students)
	grades := make([]int, 0, len(hist))
	for g := range hist {
		grades = append(grades, g)
	}
	sort.Ints(grades)
	var dist strings.Builder
	for i, g := range grades {
		if i > 0 {
			dist.WriteString(", ")
		}
		fmt.Fprintf(&dist, "grade %d: %d", g, hist[g])
	}
	prompt := fmt.Sprintf("Analyze this student distribution: {%s}. Provide a one-paragraph professional summary of the current enrollment status and one strategic recommendation for growth for 'Smart English' academy.", dist.String())
	text, err := c.generate(ctx, prompt)
	if err != nil {
		return FallbackInsights
	}
	return text
}

// generate performs a raw generateContent call and returns the first
// candidate's text.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("api key not configured")
	}

	reqBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"parts": []map[string]interface{}{{"text": prompt}}},
		},
		"generationConfig": map[string]interface{}{
			"temperature":     0.7,
			"maxOutputTokens": 512,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.BaseURL, c.Model, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini error %s: %s", resp.Status, string(body))
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response")
	}
	text := strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("empty candidate text")
	}
	return text, nil
}

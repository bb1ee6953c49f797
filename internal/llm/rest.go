package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
)

// ============================================================================
// 重排 / 语音识别 / 语音合成（OpenAI 风格 REST）
// ============================================================================

type restClient struct {
	params Params
	hc     *http.Client
}

var (
	_ RerankClient = (*restClient)(nil)
	_ ASRClient    = (*restClient)(nil)
	_ TTSClient    = (*restClient)(nil)
)

func newRESTClient(p Params, hc *http.Client) (any, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s requires base_url", ErrProviderUnsupported, p.Kind)
	}
	return &restClient{params: p, hc: hc}, nil
}

func (c *restClient) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	body := map[string]any{
		"model":            c.params.Model,
		"query":            query,
		"documents":        documents,
		"return_documents": false,
	}
	if n, ok := c.params.payloadInt("top_n"); ok && n > 0 {
		body["top_n"] = n
	}
	resp, err := doJSON(ctx, c.hc, joinURL(c.params.BaseURL, "/rerank"), c.params.APIKey, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	results := make([]RerankResult, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("%w: rerank index %d out of range", errMalformed, r.Index)
		}
		results = append(results, RerankResult{Index: r.Index, Document: documents[r.Index], RelevanceScore: r.RelevanceScore})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].RelevanceScore > results[j].RelevanceScore })
	return results, nil
}

func (c *restClient) Transcribe(ctx context.Context, audio []byte, fileName, language string) (string, error) {
	if fileName == "" {
		fileName = "audio.mp3"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("model", c.params.Model)
	if language != "" {
		_ = w.WriteField("language", language)
	}
	fw, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.params.BaseURL, "/audio/transcriptions"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := do(c.hc, req, c.params.APIKey)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *restClient) Synthesize(ctx context.Context, text, voice, format string) ([]byte, error) {
	body := map[string]any{
		"model":           c.params.Model,
		"input":           text,
		"voice":           voice,
		"response_format": format,
	}
	if v, ok := c.params.payloadFloat("speed"); ok {
		body["speed"] = v
	}
	resp, err := doJSON(ctx, c.hc, joinURL(c.params.BaseURL, "/audio/speech"), c.params.APIKey, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty audio", errMalformed)
	}
	// 部分服务以 JSON 返回错误但状态码为 200
	if json.Valid(b) && bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		return nil, fmt.Errorf("%w: %s", errMalformed, truncate(string(b), maxErrorBody))
	}
	return b, nil
}

// truncate 按 rune 截断
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

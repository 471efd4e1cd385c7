package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"vigil/internal/config"
)

var (
	// ErrBackendUnavailable covers connection failures and timeouts; the
	// caller treats it as "no detection this frame".
	ErrBackendUnavailable = errors.New("inference: backend unavailable")
	// ErrInvalidResponse covers malformed or unexpected payloads.
	ErrInvalidResponse = errors.New("inference: invalid response")
)

// Result is one verdict for one frame.
type Result struct {
	IsViolence bool
	Confidence float64
}

// Client talks to a Triton inference server over its v2 REST protocol.
// It is stateless and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	cfg        *config.Manager
}

func NewClient(cfg *config.Manager) *Client {
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
	}
}

// Healthy probes the server readiness endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	inf := c.cfg.Get().Inference
	ctx, cancel := context.WithTimeout(ctx, inf.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(inf.URL, "/")+"/v2/health/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type inferRequest struct {
	Inputs []inferInput `json:"inputs"`
}

type inferInput struct {
	Name     string   `json:"name"`
	Shape    []int    `json:"shape"`
	Datatype string   `json:"datatype"`
	Data     []string `json:"data"`
}

type inferResponse struct {
	Outputs []struct {
		Name  string    `json:"name"`
		Shape []int     `json:"shape"`
		Data  []float64 `json:"data"`
	} `json:"outputs"`
}

// Infer submits one JPEG frame and returns the violence verdict. The
// threshold decides IsViolence; the raw probability is always returned.
func (c *Client) Infer(ctx context.Context, frame []byte, threshold float64) (Result, error) {
	inf := c.cfg.Get().Inference
	ctx, cancel := context.WithTimeout(ctx, inf.Timeout)
	defer cancel()

	reqBody := inferRequest{
		Inputs: []inferInput{{
			Name:     "input",
			Shape:    []int{1, len(frame)},
			Datatype: "UINT8",
			Data:     []string{base64.StdEncoding.EncodeToString(frame)},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrInvalidResponse, err)
	}

	url := fmt.Sprintf("%s/v2/models/%s/versions/%s/infer",
		strings.TrimSuffix(inf.URL, "/"), inf.ModelName, inf.ModelVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return Result{}, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
		}
		return Result{}, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	prob, err := violenceProbability(out)
	if err != nil {
		return Result{}, err
	}
	return Result{IsViolence: prob >= threshold, Confidence: prob}, nil
}

// violenceProbability applies softmax over the model's two-class output
// [no_violence, violence] and returns the violence probability.
func violenceProbability(out inferResponse) (float64, error) {
	if len(out.Outputs) == 0 || len(out.Outputs[0].Data) < 2 {
		return 0, fmt.Errorf("%w: missing output tensor", ErrInvalidResponse)
	}
	logits := out.Outputs[0].Data[:2]
	maxLogit := math.Max(logits[0], logits[1])
	e0 := math.Exp(logits[0] - maxLogit)
	e1 := math.Exp(logits[1] - maxLogit)
	p := e1 / (e0 + e1)
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: non-finite probability", ErrInvalidResponse)
	}
	return p, nil
}


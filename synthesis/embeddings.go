// Package synthesis turns a round of member responses into one
// ConsensusDecision (spec §4.2, §4.1 state 4), dispatching across the four
// tagged SynthesisStrategy variants. Grounded on
// orchestration/synthesizer.go's AISynthesizer/SimpleSynthesizer pair: an
// LLM-driven path that falls back to a deterministic one when the model
// call is unavailable, here reused for the weighted-fusion and
// meta-synthesis strategies.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/council-proxy/council/ccerrors"
)

// EmbeddingService turns text into a dense vector for cosine-similarity
// comparison (spec §4.2 step 3). Grounded on the teacher's
// ai/providers/bedrock/client.go GetEmbeddings, which calls Amazon Titan
// Embed and returns a plain []float32 — the same shape is kept here so any
// provider's embedding endpoint can sit behind this one interface.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbeddingService calls a single embedding endpoint over HTTP,
// mirroring bedrock/client.go's InvokeModel request/response shape for the
// Titan Embed model family (request: {"inputText": "..."}, response:
// {"embedding": [...]}).
type HTTPEmbeddingService struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

// NewHTTPEmbeddingService wraps http.DefaultTransport with otelhttp so
// embedding calls carry the same per-request tracing as every other
// outbound call in this module (providerpool.BaseAdapter does the same).
func NewHTTPEmbeddingService(baseURL, apiKey, model string) *HTTPEmbeddingService {
	return &HTTPEmbeddingService{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type embedRequest struct {
	InputText string `json:"inputText"`
	Model     string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (s *HTTPEmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{InputText: text, Model: s.Model})
	if err != nil {
		return nil, ccerrors.New("synthesis.Embed", ccerrors.KindEmbeddingFailure, "", "encode embedding request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, ccerrors.New("synthesis.Embed", ccerrors.KindEmbeddingFailure, "", "build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, ccerrors.New("synthesis.Embed", ccerrors.KindEmbeddingFailure, "", "embedding request failed", err)
	}
	defer resp.Body.Close()

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ccerrors.New("synthesis.Embed", ccerrors.KindEmbeddingFailure, "", "decode embedding response", err)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Embedding) == 0 {
		return nil, ccerrors.New("synthesis.Embed", ccerrors.KindEmbeddingFailure, "",
			fmt.Sprintf("embedding service returned status %d", resp.StatusCode), nil)
	}
	return parsed.Embedding, nil
}

// cosineSimilarity computes the cosine of the angle between two equal (or
// unequal, zero-padded) length vectors, clamped to [0,1] since negative
// cosines have no meaningful "disagreement beyond opposite" reading here.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	for i := n; i < len(a); i++ {
		magA += float64(a[i]) * float64(a[i])
	}
	for i := n; i < len(b); i++ {
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// similarityMatrix builds the n×n pairwise matrix with unit diagonals
// (spec §4.2 step 4).
func similarityMatrix(vectors [][]float32) [][]float64 {
	n := len(vectors)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1.0
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := cosineSimilarity(vectors[i], vectors[j])
			m[i][j] = sim
			m[j][i] = sim
		}
	}
	return m
}

// avgUpperTriangle is the mean of S[i][j] for i<j (spec §4.2 step 5). A
// matrix with fewer than 2 rows has no off-diagonal entries and is defined
// as fully agreed (1.0).
func avgUpperTriangle(m [][]float64) float64 {
	n := len(m)
	if n < 2 {
		return 1.0
	}
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += m[i][j]
			count++
		}
	}
	if count == 0 {
		return 1.0
	}
	return sum / float64(count)
}

// fullyConverged reports whether every off-diagonal pair meets the
// threshold (spec §4.2 step 6).
func fullyConverged(m [][]float64, threshold float64) bool {
	n := len(m)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if m[i][j] < threshold {
				return false
			}
		}
	}
	return true
}

// highestCohesionIndex returns the row with the greatest mean similarity to
// every other row, tie-broken by the lexicographically smaller member id
// (spec §4.2 "Final decision selection").
func highestCohesionIndex(m [][]float64, memberIDs []string) int {
	best := 0
	bestScore := math.Inf(-1)
	for i, row := range m {
		var sum float64
		for j, v := range row {
			if i == j {
				continue
			}
			sum += v
		}
		score := sum
		if len(row) > 1 {
			score = sum / float64(len(row)-1)
		}
		if score > bestScore || (score == bestScore && memberIDs[i] < memberIDs[best]) {
			bestScore = score
			best = i
		}
	}
	return best
}

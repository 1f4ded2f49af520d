package airadar

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint in batches.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
	batchSize  int
}

// NewOpenAIEmbedder returns an embedder for model served by provider.
func NewOpenAIEmbedder(provider, model, apiKey string, dimensions, batchSize int, opts ...option.RequestOption) (*OpenAIEmbedder, error) {
	client, err := providerClient(provider, apiKey, opts...)
	if err != nil {
		return nil, err
	}
	return &OpenAIEmbedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
		batchSize:  max(1, batchSize),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for batch := range slices.Chunk(texts, e.batchSize) {
		params := openai.EmbeddingNewParams{
			Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
			Model:          openai.EmbeddingModel(e.model),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		}
		if e.dimensions > 0 {
			params.Dimensions = openai.Int(int64(e.dimensions))
		}
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to call embeddings API: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embeddings API returned %d vectors for %d texts", len(resp.Data), len(batch))
		}
		data := slices.Clone(resp.Data)
		slices.SortFunc(data, func(a, b openai.Embedding) int { return int(a.Index - b.Index) })
		for _, d := range data {
			vectors = append(vectors, d.Embedding)
		}
		log.Debug("embedded batch", "texts", len(batch), "total", len(vectors))
	}
	return vectors, nil
}

// CachedEmbedder keeps vectors in a SQLite database keyed by text hash,
// model and dimensions. Only cache misses reach the wrapped embedder.
type CachedEmbedder struct {
	db         *sql.DB
	next       Embedder
	model      string
	dimensions int
}

// OpenEmbeddingCache opens (creating if needed) the cache database at path.
func OpenEmbeddingCache(path string, next Embedder, model string, dimensions int) (*CachedEmbedder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS embeddings (
		text_hash TEXT NOT NULL,
		model TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		embedding_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (text_hash, model, dimensions)
	);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", "err", err)
		}
		return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
	}
	return &CachedEmbedder{db: db, next: next, model: model, dimensions: dimensions}, nil
}

func (c *CachedEmbedder) Close() error {
	return c.db.Close()
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	hashes := make([]string, len(texts))
	missing := map[string][]int{}
	var missTexts, missHashes []string

	for i, text := range texts {
		hashes[i] = textHash(text)
		vec, err := c.lookup(hashes[i])
		if err != nil {
			return nil, err
		}
		if vec != nil {
			vectors[i] = vec
			continue
		}
		if _, ok := missing[hashes[i]]; !ok {
			missTexts = append(missTexts, text)
			missHashes = append(missHashes, hashes[i])
		}
		missing[hashes[i]] = append(missing[hashes[i]], i)
	}
	log.Info("🧮 embedding texts", "total", len(texts), "cached", len(texts)-countIndices(missing), "new", len(missTexts))

	if len(missTexts) == 0 {
		return vectors, nil
	}
	fresh, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missTexts))
	}
	for j, vec := range fresh {
		if err := c.store(missHashes[j], vec); err != nil {
			return nil, err
		}
		for _, i := range missing[missHashes[j]] {
			vectors[i] = vec
		}
	}
	return vectors, nil
}

func (c *CachedEmbedder) lookup(hash string) ([]float64, error) {
	var embeddingJSON string
	err := c.db.QueryRow(
		"SELECT embedding_json FROM embeddings WHERE text_hash = ? AND model = ? AND dimensions = ?",
		hash, c.model, c.dimensions,
	).Scan(&embeddingJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query embedding cache: %w", err)
	}
	var vec []float64
	if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
		return nil, fmt.Errorf("failed to parse cached embedding: %w", err)
	}
	return vec, nil
}

func (c *CachedEmbedder) store(hash string, vec []float64) error {
	embeddingJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	insertSQL := `
	INSERT OR REPLACE INTO embeddings (text_hash, model, dimensions, embedding_json)
	VALUES (?, ?, ?, ?)
	`
	if _, err := c.db.Exec(insertSQL, hash, c.model, c.dimensions, string(embeddingJSON)); err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func countIndices(m map[string][]int) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}

// EmbedItems embeds the text of every item. The returned items are not
// clustered yet.
func EmbedItems(ctx context.Context, embedder Embedder, items []SourceItem) ([]EmbeddedItem, error) {
	if len(items) == 0 {
		return []EmbeddedItem{}, nil
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(items) {
		return nil, fmt.Errorf("got %d embeddings for %d items", len(vectors), len(items))
	}
	embedded := make([]EmbeddedItem, len(items))
	for i, item := range items {
		embedded[i] = EmbeddedItem{SourceItem: item, Embedding: vectors[i], ClusterID: NoiseLabel}
	}
	return embedded, nil
}

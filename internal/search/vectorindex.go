package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/models"
)

const searchAPIVersion = "2023-11-01"

// VectorIndexHandler talks to a remote vector-capable document index over
// REST. The index is created on construction when absent.
type VectorIndexHandler struct {
	endpoint      string
	apiKey        string
	indexName     string
	semanticName  string
	useSemantic   bool
	advancedImage bool
	embedder      Embedder
	images        ImageVectorizer
	httpClient    *http.Client
}

// NewVectorIndexHandler builds the handler and ensures the index exists. With
// advanced image processing an ImageVectorizer must be supplied so query text
// can be matched against the image field.
func NewVectorIndexHandler(ctx context.Context, cfg config.SearchConfig, embedder Embedder, advancedImage bool, images ImageVectorizer) (*VectorIndexHandler, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search endpoint not configured")
	}
	if advancedImage && images == nil {
		return nil, fmt.Errorf("advanced image processing requires an image vectorizer")
	}
	h := &VectorIndexHandler{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:        cfg.APIKey,
		indexName:     cfg.IndexName,
		semanticName:  cfg.SemanticConfigName,
		useSemantic:   cfg.UseSemanticSearch,
		advancedImage: advancedImage,
		embedder:      embedder,
		images:        images,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
	if err := h.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *VectorIndexHandler) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, fmt.Errorf("marshal: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	u := h.endpoint + path + sep + "api-version=" + searchAPIVersion
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", h.apiKey)
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, apperr.New(apperr.KindUpstreamUnavailable, "search."+method, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperr.New(apperr.KindUpstreamBadResponse, "search."+method, err)
		}
	}
	return resp.StatusCode, nil
}

// ensureIndex creates or updates the index schema. A racing creation is
// tolerated: the remote service answers "already exists" and the handler
// proceeds.
func (h *VectorIndexHandler) ensureIndex(ctx context.Context) error {
	status, err := h.do(ctx, http.MethodGet, "/indexes/"+h.indexName, nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return apperr.Newf(apperr.KindUpstreamUnavailable, "search.ensure_index", "status %d", status)
	}
	schema := h.indexSchema()
	status, err = h.do(ctx, http.MethodPut, "/indexes/"+h.indexName, schema, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		return nil
	default:
		return apperr.Newf(apperr.KindUpstreamUnavailable, "search.ensure_index", "create status %d", status)
	}
}

func (h *VectorIndexHandler) indexSchema() map[string]interface{} {
	fields := []map[string]interface{}{
		{"name": "id", "type": "Edm.String", "key": true, "filterable": true},
		{"name": "content", "type": "Edm.String", "searchable": true},
		{"name": "content_vector", "type": "Collection(Edm.Single)", "searchable": true,
			"dimensions": 1536, "vectorSearchProfile": "hnsw-profile"},
		{"name": "metadata", "type": "Edm.String"},
		{"name": "title", "type": "Edm.String", "searchable": true, "filterable": true, "facetable": true},
		{"name": "source", "type": "Edm.String", "filterable": true},
		{"name": "chunk", "type": "Edm.Int32", "filterable": true, "sortable": true},
		{"name": "offset", "type": "Edm.Int32", "filterable": true},
	}
	if h.advancedImage {
		fields = append(fields, map[string]interface{}{
			"name": "image_vector", "type": "Collection(Edm.Single)", "searchable": true,
			"dimensions": 1024, "vectorSearchProfile": "hnsw-profile",
		})
	}
	return map[string]interface{}{
		"name":   h.indexName,
		"fields": fields,
		"vectorSearch": map[string]interface{}{
			"algorithms": []map[string]interface{}{
				{"name": "hnsw-config", "kind": "hnsw", "hnswParameters": map[string]interface{}{"metric": "cosine"}},
				{"name": "eknn-config", "kind": "exhaustiveKnn", "exhaustiveKnnParameters": map[string]interface{}{"metric": "cosine"}},
			},
			"profiles": []map[string]interface{}{
				{"name": "hnsw-profile", "algorithm": "hnsw-config"},
				{"name": "eknn-profile", "algorithm": "eknn-config"},
			},
		},
		"semantic": map[string]interface{}{
			"configurations": []map[string]interface{}{
				{
					"name": h.semanticName,
					"prioritizedFields": map[string]interface{}{
						"prioritizedContentFields": []map[string]string{{"fieldName": "content"}},
					},
				},
			},
		},
	}
}

type indexAction struct {
	Action        string    `json:"@search.action"`
	ID            string    `json:"id"`
	Content       string    `json:"content,omitempty"`
	ContentVector []float32 `json:"content_vector,omitempty"`
	ImageVector   []float32 `json:"image_vector,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	Title         string    `json:"title,omitempty"`
	Source        string    `json:"source,omitempty"`
	Chunk         int       `json:"chunk,omitempty"`
	Offset        int       `json:"offset,omitempty"`
}

type indexBatchResult struct {
	Value []struct {
		Key    string `json:"key"`
		Status bool   `json:"status"`
	} `json:"value"`
}

func (h *VectorIndexHandler) pushActions(ctx context.Context, actions []indexAction) (UpsertResult, error) {
	var res UpsertResult
	var out indexBatchResult
	status, err := h.do(ctx, http.MethodPost, "/indexes/"+h.indexName+"/docs/index", map[string]interface{}{"value": actions}, &out)
	if err != nil {
		return res, err
	}
	if status != http.StatusOK && status != http.StatusMultiStatus {
		return res, apperr.Newf(apperr.KindUpstreamUnavailable, "search.index", "status %d", status)
	}
	for _, v := range out.Value {
		if v.Status {
			res.Succeeded = append(res.Succeeded, v.Key)
		} else {
			res.Failed = append(res.Failed, v.Key)
		}
	}
	if len(res.Failed) > 0 {
		return res, apperr.Newf(apperr.KindIngestionFailed, "search.index", "%d of %d documents failed", len(res.Failed), len(actions))
	}
	return res, nil
}

// Upsert embeds each document's content and merge-or-uploads the batch.
func (h *VectorIndexHandler) Upsert(ctx context.Context, docs []models.SourceDocument) (UpsertResult, error) {
	if len(docs) == 0 {
		return UpsertResult{}, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := h.embedder.Embed(ctx, texts)
	if err != nil {
		return UpsertResult{}, err
	}
	actions := make([]indexAction, len(docs))
	for i, d := range docs {
		meta, _ := json.Marshal(map[string]interface{}{"chunk": d.Chunk, "offset": d.Offset, "page_number": d.PageNumber})
		actions[i] = indexAction{
			Action:        "mergeOrUpload",
			ID:            d.ID,
			Content:       d.Content,
			ContentVector: vecs[i],
			Metadata:      string(meta),
			Title:         d.Title,
			Source:        d.Source,
			Chunk:         d.Chunk,
			Offset:        d.Offset,
		}
	}
	return h.pushActions(ctx, actions)
}

// UpsertImage writes a single image record: the caption embeds into the
// content vector and the supplied image vector fills the image field.
func (h *VectorIndexHandler) UpsertImage(ctx context.Context, doc models.SourceDocument, imageVector []float32) (UpsertResult, error) {
	vecs, err := h.embedder.Embed(ctx, []string{doc.Content})
	if err != nil {
		return UpsertResult{}, err
	}
	action := indexAction{
		Action:        "mergeOrUpload",
		ID:            doc.ID,
		Content:       doc.Content,
		ContentVector: vecs[0],
		ImageVector:   imageVector,
		Title:         doc.Title,
		Source:        doc.Source,
	}
	return h.pushActions(ctx, []indexAction{action})
}

type searchResponse struct {
	Value []struct {
		Score   float64 `json:"@search.score"`
		ID      string  `json:"id"`
		Content string  `json:"content"`
		Title   string  `json:"title"`
		Source  string  `json:"source"`
		Chunk   int     `json:"chunk"`
		Offset  int     `json:"offset"`
	} `json:"value"`
}

// Query runs a hybrid search: full-text over content plus a vectorised
// query, with an extra image-vector query when advanced image processing is
// on. The image leg is vectorised into image space separately, because the
// image field's dimensionality differs from the text embedding's. Semantic
// ranking is used when configured.
func (h *VectorIndexHandler) Query(ctx context.Context, question string, k int, filter string) ([]models.SourceDocument, error) {
	qvecs, err := h.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	vectorQueries := []map[string]interface{}{
		{"kind": "vector", "vector": qvecs[0], "fields": "content_vector", "k": k},
	}
	if h.advancedImage {
		ivec, err := h.images.VectorizeText(ctx, question)
		if err != nil {
			return nil, err
		}
		vectorQueries = append(vectorQueries, map[string]interface{}{
			"kind": "vector", "vector": ivec, "fields": "image_vector", "k": k,
		})
	}
	body := map[string]interface{}{
		"search":        question,
		"top":           k,
		"vectorQueries": vectorQueries,
		"select":        "id,content,title,source,chunk,offset",
	}
	if filter != "" {
		body["filter"] = filter
	}
	if h.useSemantic {
		body["queryType"] = "semantic"
		body["semanticConfiguration"] = h.semanticName
	}
	var out searchResponse
	status, err := h.do(ctx, http.MethodPost, "/indexes/"+h.indexName+"/docs/search", body, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "search.query", "status %d", status)
	}
	scored := make([]scoredDoc, 0, len(out.Value))
	for _, v := range out.Value {
		scored = append(scored, scoredDoc{
			doc: models.SourceDocument{
				ID: v.ID, Content: v.Content, Title: v.Title,
				Source: v.Source, Chunk: v.Chunk, Offset: v.Offset,
			},
			score: v.Score,
		})
	}
	sortScored(scored)
	if k > len(scored) {
		k = len(scored)
	}
	docs := make([]models.SourceDocument, 0, k)
	for i := 0; i < k; i++ {
		docs = append(docs, scored[i].doc)
	}
	return docs, nil
}

// DeleteBySource removes every chunk whose source equals the URL.
func (h *VectorIndexHandler) DeleteBySource(ctx context.Context, sourceURL string) error {
	ids, err := h.idsBySource(ctx, sourceURL)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	actions := make([]indexAction, len(ids))
	for i, id := range ids {
		actions[i] = indexAction{Action: "delete", ID: id}
	}
	_, err = h.pushActions(ctx, actions)
	return err
}

func (h *VectorIndexHandler) idsBySource(ctx context.Context, sourceURL string) ([]string, error) {
	masked := models.MaskSourceURL(sourceURL)
	body := map[string]interface{}{
		"search": "*",
		"filter": fmt.Sprintf("source eq '%s'", escapeODataString(masked)),
		"select": "id",
		"top":    1000,
	}
	var out searchResponse
	status, err := h.do(ctx, http.MethodPost, "/indexes/"+h.indexName+"/docs/search", body, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "search.ids_by_source", "status %d", status)
	}
	ids := make([]string, 0, len(out.Value))
	for _, v := range out.Value {
		ids = append(ids, v.ID)
	}
	return ids, nil
}

// ListFiles maps each stored title to its chunk ids.
func (h *VectorIndexHandler) ListFiles(ctx context.Context) (map[string][]string, error) {
	files := map[string][]string{}
	skip := 0
	for {
		body := map[string]interface{}{
			"search":  "*",
			"select":  "id,title",
			"top":     1000,
			"skip":    skip,
			"orderby": "title,chunk",
		}
		var out searchResponse
		status, err := h.do(ctx, http.MethodPost, "/indexes/"+h.indexName+"/docs/search", body, &out)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "search.list_files", "status %d", status)
		}
		if len(out.Value) == 0 {
			return files, nil
		}
		for _, v := range out.Value {
			files[v.Title] = append(files[v.Title], v.ID)
		}
		skip += len(out.Value)
	}
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

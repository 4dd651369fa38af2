// Package blob is a minimal client for an Azure-compatible blob store. It
// covers the operations the engine needs: fetching and saving the active
// config blob, listing and reading documents, and minting short-lived read
// URLs for citations.
package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/models"
)

// TokenProvider returns a bearer token for rbac-authenticated requests.
type TokenProvider func(ctx context.Context) (string, error)

// Client talks to one storage account.
type Client struct {
	endpoint   string
	accountKey string
	authType   config.AuthType
	tokens     TokenProvider
	sasTTL     time.Duration
	httpClient *http.Client
}

// New builds a client from the storage config. With AuthRBAC a token
// provider must be supplied; with AuthKeys the account key signs SAS URLs.
func New(cfg config.StorageConfig, tokens TokenProvider) (*Client, error) {
	if cfg.AccountEndpoint == "" {
		return nil, fmt.Errorf("storage account endpoint not configured")
	}
	if cfg.AuthType == config.AuthRBAC && tokens == nil {
		return nil, fmt.Errorf("rbac auth requires a token provider")
	}
	ttl := cfg.SASTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.AccountEndpoint, "/"),
		accountKey: cfg.AccountKey,
		authType:   cfg.AuthType,
		tokens:     tokens,
		sasTTL:     ttl,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// ErrNotFound reports a missing blob.
var ErrNotFound = fmt.Errorf("blob not found")

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	switch c.authType {
	case config.AuthRBAC:
		token, err := c.tokens(ctx)
		if err != nil {
			return fmt.Errorf("token provider: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		// shared-key deployments append a signed query instead
		req.URL.RawQuery = c.sasQuery(req.URL.Path, c.sasTTL)
	}
	req.Header.Set("x-ms-version", "2023-11-03")
	return nil
}

// Get fetches a blob's content. Missing blobs return ErrNotFound.
func (c *Client) Get(ctx context.Context, container, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(container, name), nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "blob.get", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "blob.get", "status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Put writes a blob, overwriting any existing content.
func (c *Client) Put(ctx context.Context, container, name string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.blobURL(container, name), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.KindUpstreamUnavailable, "blob.put", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindUpstreamUnavailable, "blob.put", "status %d", resp.StatusCode)
	}
	return nil
}

// Delete removes a blob if present.
func (c *Client) Delete(ctx context.Context, container, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.blobURL(container, name), nil)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.KindUpstreamUnavailable, "blob.delete", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return apperr.Newf(apperr.KindUpstreamUnavailable, "blob.delete", "status %d", resp.StatusCode)
	}
	return nil
}

type listResults struct {
	Blobs struct {
		Blob []struct {
			Name string `xml:"Name"`
		} `xml:"Blob"`
	} `xml:"Blobs"`
	NextMarker string `xml:"NextMarker"`
}

// List returns the names of every blob in a container, following
// continuation markers.
func (c *Client) List(ctx context.Context, container string) ([]string, error) {
	var names []string
	marker := ""
	for {
		u := fmt.Sprintf("%s/%s?restype=container&comp=list", c.endpoint, url.PathEscape(container))
		if marker != "" {
			u += "&marker=" + url.QueryEscape(marker)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		// listing keeps its query; SAS params are appended for key auth
		if c.authType == config.AuthRBAC {
			token, err := c.tokens(ctx)
			if err != nil {
				return nil, fmt.Errorf("token provider: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.URL.RawQuery += "&" + c.sasQuery("/"+container, c.sasTTL)
		}
		req.Header.Set("x-ms-version", "2023-11-03")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperr.New(apperr.KindUpstreamUnavailable, "blob.list", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "blob.list", "status %d", resp.StatusCode)
		}
		var out listResults
		if err := xml.Unmarshal(body, &out); err != nil {
			return nil, apperr.New(apperr.KindUpstreamBadResponse, "blob.list", err)
		}
		for _, b := range out.Blobs.Blob {
			names = append(names, b.Name)
		}
		if out.NextMarker == "" {
			return names, nil
		}
		marker = out.NextMarker
	}
}

// BlobURL returns the unauthenticated URL for a blob; used as the canonical
// source key for ingested documents.
func (c *Client) BlobURL(container, name string) string {
	return c.blobURL(container, name)
}

func (c *Client) blobURL(container, name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("%s/%s/%s", c.endpoint, url.PathEscape(container), strings.Join(parts, "/"))
}

// SignedReadURL substitutes the SAS placeholder in a stored URL with a
// freshly minted short-lived read credential. URLs without the placeholder
// are returned unchanged.
func (c *Client) SignedReadURL(stored string) string {
	i := strings.Index(stored, "?")
	if i < 0 {
		return stored
	}
	base, query := stored[:i], stored[i+1:]
	if !strings.Contains(query, models.SASTokenPlaceholder) {
		return stored
	}
	if c.authType == config.AuthRBAC || c.accountKey == "" {
		// rbac deployments front reads with their own proxy; no SAS exists
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	return base + "?" + c.sasQuery(u.Path, c.sasTTL)
}

// sasQuery builds a service-SAS style signed query granting read on the
// given path until now+ttl.
func (c *Client) sasQuery(path string, ttl time.Duration) string {
	expiry := time.Now().UTC().Add(ttl).Format("2006-01-02T15:04:05Z")
	stringToSign := strings.Join([]string{"r", "", expiry, path, "", "2023-11-03"}, "\n")
	key, err := base64.StdEncoding.DecodeString(c.accountKey)
	if err != nil {
		key = []byte(c.accountKey)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	q := url.Values{}
	q.Set("sv", "2023-11-03")
	q.Set("sp", "r")
	q.Set("se", expiry)
	q.Set("sig", sig)
	return q.Encode()
}

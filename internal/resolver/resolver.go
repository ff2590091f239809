// Package resolver turns free-form user input into canonical content ids and
// fetches item metadata and stream locations from the upstream provider.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

// canonicalIDPattern matches a canonical id embedded anywhere in the input.
var canonicalIDPattern = regexp.MustCompile(`BV[a-zA-Z0-9]+`)

// QualityMap maps upstream quality tier ids to their descriptions.
var QualityMap = map[int]string{
	120: "4K",
	116: "1080P60",
	112: "1080P+",
	80:  "1080P",
	74:  "720P60",
	64:  "720P",
	32:  "480P",
	16:  "360P",
}

// QualityDesc returns the human-readable description for a quality tier.
func QualityDesc(quality int) string {
	if desc, ok := QualityMap[quality]; ok {
		return desc
	}
	return "unknown"
}

// ExtractID extracts the canonical id from a raw id or a URL containing one.
// Extraction is idempotent: an already-canonical input is returned unchanged.
func ExtractID(input string) (string, error) {
	if match := canonicalIDPattern.FindString(input); match != "" {
		return match, nil
	}
	return "", fmt.Errorf("%w: no canonical id in %q", models.ErrInvalidIdentifier, input)
}

// Upstream request headers; the provider rejects requests without a
// browser-like User-Agent and Referer.
var upstreamHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:126.0) Gecko/20100101 Firefox/126.0",
	"Accept":          "*/*",
	"Accept-Language": "zh-CN,zh;q=0.8,zh-TW;q=0.7,zh-HK;q=0.5,en-US;q=0.3,en;q=0.2",
	"Referer":         "https://www.bilibili.com/",
	"Connection":      "keep-alive",
}

// Client talks to the upstream metadata provider.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an upstream metadata client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// upstreamEnvelope is the provider's standard response wrapper.
type upstreamEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, cred *models.Credential, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	for k, v := range upstreamHeaders {
		req.Header.Set(k, v)
	}
	if cred != nil && cred.Cookie != "" {
		req.Header.Set("Cookie", cred.Cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", models.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var envelope upstreamEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: decode: %v", models.ErrUpstreamUnavailable, err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("%w: upstream code %d: %s", models.ErrUpstreamUnavailable, envelope.Code, envelope.Message)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Metadata fetches the descriptive record for a canonical id. The caller
// decides whether to retry; this method does not.
func (c *Client) Metadata(ctx context.Context, canonicalID string, cred *models.Credential) (*models.ItemMetadata, error) {
	query := url.Values{"bvid": {canonicalID}}

	var meta models.ItemMetadata
	if err := c.get(ctx, "/x/web-interface/view", query, cred, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// dashStream is one variant in the upstream playback manifest.
type dashStream struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BackupURL []string `json:"backupUrl"`
}

func (s *dashStream) url() string {
	if len(s.BackupURL) > 0 {
		return s.BackupURL[0]
	}
	return s.BaseURL
}

// playbackManifest is the dash section of the playurl response.
type playbackManifest struct {
	Dash struct {
		Video []dashStream `json:"video"`
		Audio []dashStream `json:"audio"`
	} `json:"dash"`
}

// Playback resolves the stream locations for one item variant. The video
// variant matching the requested quality tier is selected; if absent, the
// first available variant is used instead of failing.
func (c *Client) Playback(ctx context.Context, canonicalID string, subID int64, cred *models.Credential, quality int) (*models.PlaybackSources, error) {
	query := url.Values{
		"bvid":  {canonicalID},
		"cid":   {fmt.Sprintf("%d", subID)},
		"fnval": {"4048"},
		"fnver": {"0"},
		"fourk": {"1"},
	}

	var manifest playbackManifest
	if err := c.get(ctx, "/x/player/playurl", query, cred, &manifest); err != nil {
		return nil, err
	}

	if len(manifest.Dash.Video) == 0 || len(manifest.Dash.Audio) == 0 {
		return nil, fmt.Errorf("%w: no playable streams for %s", models.ErrUpstreamUnavailable, canonicalID)
	}

	selected := manifest.Dash.Video[0]
	for _, v := range manifest.Dash.Video {
		if v.ID == quality {
			selected = v
			break
		}
	}

	return &models.PlaybackSources{
		VideoURL: selected.url(),
		AudioURL: manifest.Dash.Audio[0].url(),
		Quality:  selected.ID,
	}, nil
}

// Package dict は単語の実在性を外部辞書APIで確認するコラボレーターです
// ゲームロジックは判定結果（isValid）だけを受け取り、判定方法には依存しません
package dict

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chosung-battle/api-server/internal/repo"
)

// ErrNotConfigured は辞書APIの設定が無い場合に返します
var ErrNotConfigured = errors.New("dictionary api not configured")

// Result は単語判定の結果
type Result struct {
	Word        string   `json:"word"`
	Valid       bool     `json:"valid"`
	Definitions []string `json:"definitions"`
	Pos         string   `json:"pos,omitempty"`
	Cached      bool     `json:"-"`
}

const maxDefinitions = 3

// Client は辞書APIクライアント（Redisキャッシュアサイド付き）
// 有効判定された単語だけをキャッシュします（辞書の内容は変わらないため）
type Client struct {
	apiURL string
	apiKey string
	hc     *http.Client
	cache  repo.WordCacheRepo
}

func NewClient(apiURL, apiKey string, timeout time.Duration, cache repo.WordCacheRepo) *Client {
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		hc:     &http.Client{Timeout: timeout},
		cache:  cache,
	}
}

// searchResponse は辞書APIのXML応答
type searchResponse struct {
	XMLName xml.Name `xml:"channel"`
	Total   int      `xml:"total"`
	Items   []struct {
		Word  string `xml:"word"`
		Pos   string `xml:"pos"`
		Sense struct {
			Definition string `xml:"definition"`
		} `xml:"sense"`
	} `xml:"item"`
}

// Validate は単語を判定します。キャッシュヒット時は外部APIを呼びません
func (c *Client) Validate(ctx context.Context, word string) (Result, error) {
	word = strings.TrimSpace(word)
	if word == "" {
		return Result{}, errors.New("empty word")
	}

	if c.cache != nil {
		entry, hit, err := c.cache.GetWord(ctx, word)
		if err != nil {
			log.Printf("dict: cache read failed word=%s err=%v", word, err)
		} else if hit {
			return Result{
				Word:        word,
				Valid:       true,
				Definitions: []string{entry.Definition},
				Pos:         entry.Pos,
				Cached:      true,
			}, nil
		}
	}

	res, err := c.lookup(ctx, word)
	if err != nil {
		return Result{}, err
	}
	if res.Valid && c.cache != nil && len(res.Definitions) > 0 {
		entry := repo.CachedWord{Word: word, Definition: res.Definitions[0], Pos: res.Pos}
		if err := c.cache.PutWord(ctx, word, entry); err != nil {
			log.Printf("dict: cache write failed word=%s err=%v", word, err)
		}
	}
	return res, nil
}

func (c *Client) lookup(ctx context.Context, word string) (Result, error) {
	if c.apiURL == "" || c.apiKey == "" {
		return Result{}, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("q", word)
	q.Set("req_type", "xml")
	q.Set("advanced", "y")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("dictionary request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("dictionary api status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}

	var parsed searchResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("dictionary response parse: %w", err)
	}

	out := Result{Word: word, Valid: parsed.Total > 0, Definitions: []string{}}
	for _, item := range parsed.Items {
		// 完全一致のエントリだけを採用（前方一致の検索結果が混ざるため）
		if item.Word != word {
			continue
		}
		if def := strings.TrimSpace(item.Sense.Definition); def != "" && len(out.Definitions) < maxDefinitions {
			out.Definitions = append(out.Definitions, def)
		}
		if out.Pos == "" {
			out.Pos = item.Pos
		}
	}
	if parsed.Total > 0 && len(out.Definitions) == 0 {
		// 一致エントリが拾えなくても検索ヒットは有効扱い
		for _, item := range parsed.Items {
			if def := strings.TrimSpace(item.Sense.Definition); def != "" {
				out.Definitions = append(out.Definitions, def)
				break
			}
		}
	}
	return out, nil
}

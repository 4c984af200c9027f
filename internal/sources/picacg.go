package sources

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"picavault/internal/fetch"
)

// Fixed API credentials baked into the official client; every request
// is signed with them on top of the user's session token.
const (
	picaDefaultBase = "https://picaapi.picacomic.com"
	picaAPIKey      = "C69BAF41DA5ABD1FFEDC6D2FEA56B"
	picaSecret      = "~d}$Q7$eIni=V)9\\RK/P.RM8;9[hF+]AS-lKz}y4GxHw1q|g|=="
)

// Picacg downloads chaptered albums through the signed JSON API.
type Picacg struct{}

func (a *Picacg) Name() string { return "picacg" }

// CanonicalID for picacg is the opaque comic id itself.
func (a *Picacg) CanonicalID(target string) (string, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return "", fetch.Argf("empty picacg comic id")
	}
	return t, nil
}

func picaSign(path, timeStr, nonce, method string) string {
	raw := strings.ToLower(path + timeStr + nonce + method + picaAPIKey)
	mac := hmac.New(sha256.New, []byte(picaSecret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func picaNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func picaHeaders(path, token string) map[string]string {
	timeStr := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := picaNonce()
	return map[string]string{
		"api-key":           picaAPIKey,
		"accept":            "application/vnd.picacomic.com.v1+json",
		"app-channel":       "2",
		"time":              timeStr,
		"nonce":             nonce,
		"signature":         picaSign(path, timeStr, nonce, "GET"),
		"app-version":       "2.2.1.2.3.3",
		"app-uuid":          "defaultUuid",
		"image-quality":     "original",
		"app-platform":      "android",
		"app-build-version": "44",
		"tokenparam":        "",
		"authorization":     token,
		"Content-Type":      "application/json; charset=UTF-8",
	}
}

// picaGet performs one signed API call and unwraps the data envelope.
func (a *Picacg) picaGet(ctx context.Context, in *Input, base, token, path string) (json.RawMessage, error) {
	resp, err := in.Fetch.GetBytesWithRetry(ctx, base+"/"+path,
		fetch.Options{Headers: picaHeaders(path, token), Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Code    any             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, upstreamErrf("picacg", "non-JSON response for %s: %s", path, fetch.Snippet(resp.Body))
	}
	if code := toInt(envelope.Code); code != 200 {
		return nil, upstreamErrf("picacg", "api code %d for %s: %s", code, path, envelope.Message)
	}
	return envelope.Data, nil
}

type picaComic struct {
	Comic struct {
		ID         string    `json:"_id"`
		Title      string    `json:"title"`
		Author     string    `json:"author"`
		Categories []string  `json:"categories"`
		Tags       []string  `json:"tags"`
		EpsCount   int       `json:"epsCount"`
		Thumb      picaMedia `json:"thumb"`
	} `json:"comic"`
}

type picaMedia struct {
	OriginalName string `json:"originalName"`
	Path         string `json:"path"`
	FileServer   string `json:"fileServer"`
}

func (m picaMedia) url() string {
	server := strings.TrimSuffix(m.FileServer, "/")
	if strings.Contains(server, "/static") {
		return server + "/" + m.Path
	}
	return server + "/static/" + m.Path
}

type picaEp struct {
	Order int    `json:"order"`
	Title string `json:"title"`
}

func (a *Picacg) Run(ctx context.Context, in *Input) (*Downloaded, error) {
	token, err := authString(in.Auth, "token")
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(authStringDefault(in.Auth, "apiBaseUrl", picaDefaultBase), "/")
	id, err := a.CanonicalID(in.Target)
	if err != nil {
		return nil, err
	}

	infoRaw, err := a.picaGet(ctx, in, base, token, "comics/"+id)
	if err != nil {
		return nil, err
	}
	var info picaComic
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		return nil, upstreamErrf("picacg", "malformed comic payload: %s", fetch.Snippet(infoRaw))
	}

	eps, err := a.fetchEps(ctx, in, base, token, id)
	if err != nil {
		return nil, err
	}
	// The API lists chapters newest first; display order is the
	// reverse, and eps selection indexes the display order.
	for i, j := 0, len(eps)-1; i < j; i, j = i+1, j-1 {
		eps[i], eps[j] = eps[j], eps[i]
	}
	selected := selectEps(len(eps), in.Eps)

	// Resolve every page of every selected chapter before setting the
	// total, so total never shrinks once announced.
	type chapterPages struct {
		epNo  int
		pages []picaMedia
	}
	var chapters []chapterPages
	totalPages := 0
	for _, idx := range selected {
		if err := in.Stop.Err(); err != nil {
			return nil, err
		}
		pages, err := a.fetchPages(ctx, in, base, token, id, eps[idx].Order)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, chapterPages{epNo: idx + 1, pages: pages})
		totalPages += len(pages)
	}

	in.Progress.SetTotal(totalPages + 1)
	in.Progress.EnsureAtLeast(CountDownloaded(in.WorkDir))

	jobs := []pageJob{{
		URLs: []string{info.Comic.Thumb.url()},
		Dest: coverFile(in.WorkDir),
	}}
	for _, ch := range chapters {
		for i, media := range ch.pages {
			ext := extFromName(media.OriginalName)
			jobs = append(jobs, pageJob{
				URLs: []string{media.url()},
				Dest: fmt.Sprintf("%s/%d.%s", epDir(in.WorkDir, ch.epNo), i+1, ext),
			})
		}
	}
	if err := runJobs(ctx, in, jobs); err != nil {
		return nil, err
	}

	tags := append(append([]string{}, info.Comic.Categories...), info.Comic.Tags...)
	return &Downloaded{
		ID:        id,
		Title:     info.Comic.Title,
		Subtitle:  info.Comic.Author,
		Type:      0,
		Tags:      tags,
		Directory: SafeID(id),
		Raw:       json.RawMessage(infoRaw),
	}, nil
}

// fetchEps walks the paginated chapter listing until the reported
// page count is exhausted.
func (a *Picacg) fetchEps(ctx context.Context, in *Input, base, token, id string) ([]picaEp, error) {
	var all []picaEp
	for page := 1; ; page++ {
		raw, err := a.picaGet(ctx, in, base, token, fmt.Sprintf("comics/%s/eps?page=%d", id, page))
		if err != nil {
			return nil, err
		}
		var data struct {
			Eps struct {
				Docs  []picaEp `json:"docs"`
				Page  any      `json:"page"`
				Pages any      `json:"pages"`
			} `json:"eps"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, upstreamErrf("picacg", "malformed eps payload: %s", fetch.Snippet(raw))
		}
		all = append(all, data.Eps.Docs...)
		if toInt(data.Eps.Pages) <= toInt(data.Eps.Page) {
			return all, nil
		}
	}
}

// fetchPages walks the paginated page listing of one chapter.
func (a *Picacg) fetchPages(ctx context.Context, in *Input, base, token, id string, order int) ([]picaMedia, error) {
	var all []picaMedia
	for page := 1; ; page++ {
		raw, err := a.picaGet(ctx, in, base, token, fmt.Sprintf("comics/%s/order/%d/pages?page=%d", id, order, page))
		if err != nil {
			return nil, err
		}
		var data struct {
			Pages struct {
				Docs []struct {
					Media picaMedia `json:"media"`
				} `json:"docs"`
				Page  any `json:"page"`
				Pages any `json:"pages"`
			} `json:"pages"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, upstreamErrf("picacg", "malformed pages payload: %s", fetch.Snippet(raw))
		}
		for _, d := range data.Pages.Docs {
			all = append(all, d.Media)
		}
		if toInt(data.Pages.Pages) <= toInt(data.Pages.Page) {
			return all, nil
		}
	}
}

// toInt normalizes numeric fields the API serves as either numbers or
// strings.
func toInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	case json.Number:
		n, _ := x.Int64()
		return int(n)
	case int:
		return x
	default:
		return 0
	}
}

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"picavault/internal/fanout"
	"picavault/internal/fetch"
	"picavault/internal/stop"
)

const (
	hitomiDefaultDomain = "hitomi.la"
	ggRefreshInterval   = time.Minute
)

// Hitomi downloads flat galleries. Image hosts are derived from the
// site's gg.js state, which rotates and is refreshed at most once a
// minute.
type Hitomi struct {
	mu        sync.Mutex
	gg        *ggState
	ggFetched time.Time
}

func (a *Hitomi) Name() string { return "hitomi" }

func (a *Hitomi) CanonicalID(target string) (string, error) {
	return digitsID("hitomi", target)
}

// ggState is the parsed gg.js: the set of case labels, the path
// prefix b, and the initial value of o.
type ggState struct {
	numbers map[int]bool
	b       string
	initial int
}

var (
	ggCaseRe    = regexp.MustCompile(`case (\d+):`)
	ggInitialRe = regexp.MustCompile(`var o = (\d+)`)
	ggBRe       = regexp.MustCompile(`b:\s*['"]([^'"]+)['"]`)
)

func parseGG(body []byte) (*ggState, error) {
	s := string(body)
	st := &ggState{numbers: map[int]bool{}}
	for _, m := range ggCaseRe.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(m[1])
		st.numbers[n] = true
	}
	im := ggInitialRe.FindStringSubmatch(s)
	if im == nil {
		return nil, upstreamErrf("hitomi", "gg.js: no initial value")
	}
	st.initial, _ = strconv.Atoi(im[1])
	bm := ggBRe.FindStringSubmatch(s)
	if bm == nil {
		return nil, upstreamErrf("hitomi", "gg.js: no b prefix")
	}
	st.b = strings.Trim(bm[1], "/")
	return st, nil
}

// mm resolves the subdomain selector for one hash value.
func (g *ggState) mm(v int) int {
	if g.numbers[v] {
		return (^g.initial) & 1
	}
	return g.initial
}

// ggHashValue is s(hash): the last character and the two before it,
// reversed into a hex number.
func ggHashValue(hash string) (int, error) {
	if len(hash) < 3 {
		return 0, upstreamErrf("hitomi", "short hash %q", hash)
	}
	n, err := strconv.ParseInt(hash[len(hash)-1:]+hash[len(hash)-3:len(hash)-1], 16, 64)
	if err != nil {
		return 0, upstreamErrf("hitomi", "bad hash %q", hash)
	}
	return int(n), nil
}

// imageURL derives the full per-image URL for one hash and extension.
func (g *ggState) imageURL(domain, hash, ext string) (string, error) {
	v, err := ggHashValue(hash)
	if err != nil {
		return "", err
	}
	letter := byte('a' + g.mm(v))
	var sub string
	if ext == "webp" {
		// webp lives on the w pool: w1/w2 by letter.
		sub = fmt.Sprintf("w%d", letter-'a'+1)
	} else {
		sub = string(letter)
	}
	return fmt.Sprintf("https://%s.%s/%s/%d/%s.%s", sub, domain, g.b, v, hash, ext), nil
}

type hitomiFile struct {
	Name    string `json:"name"`
	Hash    string `json:"hash"`
	HasWebp int    `json:"haswebp"`
}

type hitomiGallery struct {
	Title         string `json:"title"`
	JapaneseTitle string `json:"japanese_title"`
	Type          string `json:"type"`
	Language      string `json:"language"`
	Tags          []struct {
		Tag string `json:"tag"`
	} `json:"tags"`
	Files []hitomiFile `json:"files"`
}

func (a *Hitomi) Run(ctx context.Context, in *Input) (*Downloaded, error) {
	domain := authStringDefault(in.Auth, "baseDomain", hitomiDefaultDomain)
	ltnBase := authStringDefault(in.Auth, "ltnBaseUrl", "https://ltn."+domain)
	ltnBase = strings.TrimSuffix(ltnBase, "/")

	id, err := a.CanonicalID(in.Target)
	if err != nil {
		return nil, err
	}
	digits := strings.TrimPrefix(id, "hitomi")

	resp, err := in.Fetch.GetBytesWithRetry(ctx, fmt.Sprintf("%s/galleries/%s.js", ltnBase, digits),
		fetch.Options{Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	// galleries/<id>.js is "var galleryinfo = {...}".
	body := resp.Body
	if i := strings.IndexByte(string(body), '{'); i > 0 {
		body = body[i:]
	}
	var gallery hitomiGallery
	if err := json.Unmarshal(body, &gallery); err != nil {
		return nil, upstreamErrf("hitomi", "malformed gallery js: %s", fetch.Snippet(resp.Body))
	}
	if len(gallery.Files) == 0 {
		return nil, upstreamErrf("hitomi", "gallery %s has no files", digits)
	}

	gg, err := a.refreshGG(ctx, in, ltnBase)
	if err != nil {
		return nil, err
	}

	in.Progress.SetTotal(len(gallery.Files) + 1)
	in.Progress.EnsureAtLeast(CountDownloaded(in.WorkDir))

	if err := a.downloadCover(ctx, in, ltnBase, digits); err != nil {
		return nil, err
	}

	referer := map[string]string{"Referer": fmt.Sprintf("https://%s/reader/%s.html", domain, digits)}
	type pageWork struct {
		index int
		file  hitomiFile
	}
	works := make([]pageWork, len(gallery.Files))
	for i, f := range gallery.Files {
		works[i] = pageWork{index: i + 1, file: f}
	}
	err = fanout.ForEach(ctx, works, in.Concurrency, in.Stop, func(ctx context.Context, w pageWork) error {
		return a.downloadPage(ctx, in, gg, domain, referer, w.index, w.file)
	}, in.OnError)
	if err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(gallery.Tags))
	for _, t := range gallery.Tags {
		tags = append(tags, t.Tag)
	}
	return &Downloaded{
		ID:        id,
		Title:     gallery.Title,
		Subtitle:  gallery.JapaneseTitle,
		Type:      3,
		Tags:      tags,
		Directory: SafeID(id),
		Raw:       json.RawMessage(body),
	}, nil
}

// downloadPage tries the webp rendition first and falls back to the
// file's original extension. The destination extension follows
// whichever rendition landed.
func (a *Hitomi) downloadPage(ctx context.Context, in *Input, gg *ggState, domain string, headers map[string]string, n int, f hitomiFile) error {
	origExt := extFromName(f.Name)
	webpDest := fmt.Sprintf("%s/%d.webp", pagesDir(in.WorkDir), n)
	origDest := fmt.Sprintf("%s/%d.%s", pagesDir(in.WorkDir), n, origExt)
	if fileNonEmpty(webpDest) || fileNonEmpty(origDest) {
		return nil
	}
	if err := os.MkdirAll(pagesDir(in.WorkDir), 0o755); err != nil {
		return err
	}
	opt := fetch.Options{Headers: headers, Timeout: imageTimeout, Retries: in.Retries}

	webpURL, err := gg.imageURL(domain, f.Hash, "webp")
	if err == nil {
		if err := in.Fetch.DownloadToFile(ctx, webpURL, webpDest, opt, in.Stop); err == nil {
			in.Progress.Advance(1)
			return nil
		} else if _, stopped := stop.IsStopped(err); stopped {
			return err
		}
	}
	origURL, err := gg.imageURL(domain, f.Hash, origExt)
	if err != nil {
		return err
	}
	if err := in.Fetch.DownloadToFile(ctx, origURL, origDest, opt, in.Stop); err != nil {
		return err
	}
	in.Progress.Advance(1)
	return nil
}

// downloadCover scrapes the gallery block for the thumbnail.
func (a *Hitomi) downloadCover(ctx context.Context, in *Input, ltnBase, digits string) error {
	dest := coverFile(in.WorkDir)
	if fileNonEmpty(dest) {
		return nil
	}
	resp, err := in.Fetch.GetBytesWithRetry(ctx, fmt.Sprintf("%s/galleryblock/%s.html", ltnBase, digits),
		fetch.Options{Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return err
	}
	doc, err := parseHTML(resp.Body)
	if err != nil {
		return upstreamErrf("hitomi", "unparseable galleryblock: %v", err)
	}
	var src string
	for _, img := range findAllByTag(doc, "img") {
		for _, key := range []string{"data-src", "src"} {
			if v := attr(img, key); v != "" && !strings.HasSuffix(v, ".gif") {
				src = v
				break
			}
		}
		if src != "" {
			break
		}
	}
	if src == "" {
		return upstreamErrf("hitomi", "no cover in galleryblock %s", digits)
	}
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := in.Fetch.DownloadToFile(ctx, src, dest,
		fetch.Options{Timeout: imageTimeout, Retries: in.Retries}, in.Stop); err != nil {
		return err
	}
	in.Progress.Advance(1)
	return nil
}

// refreshGG returns the cached gg state, refetching it when stale.
func (a *Hitomi) refreshGG(ctx context.Context, in *Input, ltnBase string) (*ggState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gg != nil && time.Since(a.ggFetched) < ggRefreshInterval {
		return a.gg, nil
	}
	resp, err := in.Fetch.GetBytesWithRetry(ctx, ltnBase+"/gg.js",
		fetch.Options{Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	gg, err := parseGG(resp.Body)
	if err != nil {
		return nil, err
	}
	a.gg = gg
	a.ggFetched = time.Now()
	return gg, nil
}

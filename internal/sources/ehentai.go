package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"picavault/internal/fanout"
	"picavault/internal/fetch"
)

// Ehentai scrapes gallery and reader pages. The account cookie is
// mandatory: anonymous sessions get watermarked samples and hit the
// image limit almost immediately.
type Ehentai struct{}

func (a *Ehentai) Name() string { return "ehentai" }

var ehGidRe = regexp.MustCompile(`/g/(\d+)/`)

// CanonicalID is the numeric gallery id from the /g/<gid>/ URL path.
func (a *Ehentai) CanonicalID(target string) (string, error) {
	m := ehGidRe.FindStringSubmatch(target)
	if m == nil {
		return "", fetch.Argf("no /g/<gid>/ in target %q", target)
	}
	return m[1], nil
}

// ehMeta is the scraped gallery header, preserved as the raw blob.
type ehMeta struct {
	Gid      string   `json:"gid"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle"`
	Uploader string   `json:"uploader"`
	Pages    int      `json:"pages"`
	Tags     []string `json:"tags"`
	Cover    string   `json:"cover"`
}

var (
	ehShowingRe = regexp.MustCompile(`Showing\s+[\d,]+\s*-\s*[\d,]+\s+of\s+([\d,]+)`)
	ehCoverRe   = regexp.MustCompile(`url\(([^)]+)\)`)
)

func (a *Ehentai) Run(ctx context.Context, in *Input) (*Downloaded, error) {
	cookie, err := authString(in.Auth, "cookie")
	if err != nil {
		return nil, err
	}
	gid, err := a.CanonicalID(in.Target)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Cookie": cookie}
	galleryURL := strings.TrimSuffix(in.Target, "/") + "/"

	first, err := in.Fetch.GetBytesWithRetry(ctx, galleryURL,
		fetch.Options{Headers: headers, Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML(first.Body)
	if err != nil {
		return nil, upstreamErrf("ehentai", "unparseable gallery page: %v", err)
	}

	meta := ehMeta{Gid: gid, URL: galleryURL}
	meta.Title = textContent(findByID(doc, "gn"))
	meta.Subtitle = textContent(findByID(doc, "gj"))
	meta.Uploader = textContent(findByID(doc, "gdn"))
	meta.Tags = ehTags(doc)
	meta.Cover = ehCover(doc)
	if meta.Title == "" {
		return nil, upstreamErrf("ehentai", "gallery %s: no title; snippet: %s", gid, fetch.Snippet(first.Body))
	}

	total, err := ehTotalImages(doc)
	if err != nil {
		return nil, err
	}
	meta.Pages = total

	readerLinks, err := a.collectReaderLinks(ctx, in, headers, galleryURL, doc, total)
	if err != nil {
		return nil, err
	}
	if len(readerLinks) != total {
		return nil, upstreamErrf("ehentai", "gallery %s: listed %d reader pages, expected %d", gid, len(readerLinks), total)
	}

	in.Progress.SetTotal(total + 1)
	in.Progress.EnsureAtLeast(CountDownloaded(in.WorkDir))

	if err := a.downloadCover(ctx, in, headers, meta.Cover); err != nil {
		return nil, err
	}

	type readerPage struct {
		index int
		url   string
	}
	works := make([]readerPage, len(readerLinks))
	for i, u := range readerLinks {
		works[i] = readerPage{index: i + 1, url: u}
	}
	err = fanout.ForEach(ctx, works, in.Concurrency, in.Stop, func(ctx context.Context, w readerPage) error {
		return a.downloadPage(ctx, in, headers, w.index, w.url)
	}, in.OnError)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(meta)
	return &Downloaded{
		ID:        gid,
		Title:     meta.Title,
		Subtitle:  meta.Subtitle,
		Type:      1,
		Tags:      meta.Tags,
		Directory: SafeID(gid),
		Raw:       raw,
	}, nil
}

// collectReaderLinks walks the thumbnail listing pages. The first page
// is already in hand; per-page capacity is whatever it shows.
func (a *Ehentai) collectReaderLinks(ctx context.Context, in *Input, headers map[string]string, galleryURL string, first *html.Node, total int) ([]string, error) {
	links := ehReaderLinks(first, galleryURL)
	if len(links) == 0 {
		return nil, upstreamErrf("ehentai", "no thumbnails on gallery page")
	}
	perPage := len(links)
	for p := 1; len(links) < total; p++ {
		if p > (total-1)/perPage {
			break
		}
		if err := in.Stop.Err(); err != nil {
			return nil, err
		}
		resp, err := in.Fetch.GetBytesWithRetry(ctx, fmt.Sprintf("%s?p=%d", galleryURL, p),
			fetch.Options{Headers: headers, Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
		if err != nil {
			return nil, err
		}
		doc, err := parseHTML(resp.Body)
		if err != nil {
			return nil, upstreamErrf("ehentai", "unparseable listing page %d: %v", p, err)
		}
		more := ehReaderLinks(doc, galleryURL)
		if len(more) == 0 {
			break
		}
		links = append(links, more...)
	}
	return links, nil
}

// downloadPage resolves one reader page to its image and stores it
// flat as pages/<n>.<ext>.
func (a *Ehentai) downloadPage(ctx context.Context, in *Input, headers map[string]string, n int, readerURL string) error {
	if ehPageDone(in.WorkDir, n) {
		return nil
	}
	resp, err := in.Fetch.GetBytesWithRetry(ctx, readerURL,
		fetch.Options{Headers: headers, Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return err
	}
	doc, err := parseHTML(resp.Body)
	if err != nil {
		return upstreamErrf("ehentai", "unparseable reader page %d: %v", n, err)
	}
	src := ehReaderImage(doc)
	if src == "" {
		return upstreamErrf("ehentai", "reader page %d has no image; snippet: %s", n, fetch.Snippet(resp.Body))
	}
	if strings.Contains(src, "509.gif") {
		return upstreamErrf("ehentai", "image limit exceeded")
	}
	src = absURL(readerURL, src)
	dest := fmt.Sprintf("%s/%d.%s", pagesDir(in.WorkDir), n, extFromName(src))
	if err := os.MkdirAll(pagesDir(in.WorkDir), 0o755); err != nil {
		return err
	}
	if err := in.Fetch.DownloadToFile(ctx, src, dest,
		fetch.Options{Headers: headers, Timeout: imageTimeout, Retries: in.Retries}, in.Stop); err != nil {
		return err
	}
	in.Progress.Advance(1)
	return nil
}

func (a *Ehentai) downloadCover(ctx context.Context, in *Input, headers map[string]string, cover string) error {
	dest := coverFile(in.WorkDir)
	if fileNonEmpty(dest) || cover == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := in.Fetch.DownloadToFile(ctx, cover, dest,
		fetch.Options{Headers: headers, Timeout: imageTimeout, Retries: in.Retries}, in.Stop); err != nil {
		return err
	}
	in.Progress.Advance(1)
	return nil
}

// ehPageDone reports whether page n is already staged under any
// extension; the extension is only known after the reader page fetch.
func ehPageDone(workDir string, n int) bool {
	matches, _ := filepath.Glob(fmt.Sprintf("%s/%d.*", pagesDir(workDir), n))
	for _, m := range matches {
		if fileNonEmpty(m) {
			return true
		}
	}
	return false
}

// ehTotalImages reads the "Showing 1 - 40 of N images" line.
func ehTotalImages(doc *html.Node) (int, error) {
	for _, p := range findAllByClass(doc, "", "gpc") {
		if m := ehShowingRe.FindStringSubmatch(textContent(p)); m != nil {
			n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
			if err == nil && n > 0 {
				return n, nil
			}
		}
	}
	return 0, upstreamErrf("ehentai", "no image count on gallery page")
}

// ehReaderLinks pulls the per-thumbnail reader URLs off one listing
// page, resolved against the gallery URL.
func ehReaderLinks(doc *html.Node, base string) []string {
	gdt := findByID(doc, "gdt")
	if gdt == nil {
		return nil
	}
	var out []string
	for _, a := range findAllByTag(gdt, "a") {
		if href := attr(a, "href"); href != "" {
			out = append(out, absURL(base, href))
		}
	}
	return out
}

// ehReaderImage is "#i3 > a > img @src".
func ehReaderImage(doc *html.Node) string {
	i3 := findByID(doc, "i3")
	if i3 == nil {
		return ""
	}
	img := findByTag(i3, "img")
	if img == nil {
		return ""
	}
	return attr(img, "src")
}

// ehTags flattens the #taglist table into "namespace:tag" strings.
func ehTags(doc *html.Node) []string {
	taglist := findByID(doc, "taglist")
	if taglist == nil {
		return nil
	}
	var out []string
	for _, tr := range findAllByTag(taglist, "tr") {
		var cells []*html.Node
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "td" {
				cells = append(cells, c)
			}
		}
		if len(cells) < 2 {
			continue
		}
		ns := strings.TrimSuffix(textContent(cells[0]), ":")
		for _, a := range findAllByTag(cells[1], "a") {
			if t := textContent(a); t != "" {
				out = append(out, ns+":"+t)
			}
		}
	}
	return out
}

// ehCover extracts the cover URL from the #gd1 background-image style.
func ehCover(doc *html.Node) string {
	gd1 := findByID(doc, "gd1")
	if gd1 == nil {
		return ""
	}
	div := walk(gd1, func(n *html.Node) bool {
		return n.Data == "div" && strings.Contains(attr(n, "style"), "url(")
	})
	if div == nil {
		return ""
	}
	m := ehCoverRe.FindStringSubmatch(attr(div, "style"))
	if m == nil {
		return ""
	}
	return strings.Trim(m[1], `'" `)
}

// absURL resolves ref against base; already-absolute refs pass
// through.
func absURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"picavault/internal/fetch"
)

// Htmanga scrapes the photo-index page for metadata and the gallery
// page for the flat image list.
type Htmanga struct{}

func (a *Htmanga) Name() string { return "htmanga" }

func (a *Htmanga) CanonicalID(target string) (string, error) {
	id, err := digitsID("Ht", target)
	if err != nil {
		return "", fetch.Argf("no numeric id in target %q", target)
	}
	return id, nil
}

type htMeta struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	Pages int      `json:"pages"`
}

// htURLRe matches candidate image references embedded in the gallery
// page markup and scripts.
var htURLRe = regexp.MustCompile(`(?:https?:)?//[^"'\\\s,()<>]+|[^"'\\\s,()<>=]*(?:/data/|wnimg)[^"'\\\s,()<>]*`)

// htImageURL keeps only plausible image references: the host path
// must contain /data/ or a wnimg host, and script/style assets are
// never images.
func htImageURL(raw string) bool {
	if !strings.Contains(raw, "/data/") && !strings.Contains(raw, "wnimg") {
		return false
	}
	lower := strings.ToLower(raw)
	return !strings.HasSuffix(lower, ".js") && !strings.HasSuffix(lower, ".css")
}

func (a *Htmanga) Run(ctx context.Context, in *Input) (*Downloaded, error) {
	base, err := authString(in.Auth, "baseUrl")
	if err != nil {
		return nil, err
	}
	base = strings.TrimSuffix(base, "/")
	headers := map[string]string{}
	if cookie := authStringDefault(in.Auth, "cookie", ""); cookie != "" {
		headers["Cookie"] = cookie
	}

	id, err := a.CanonicalID(in.Target)
	if err != nil {
		return nil, err
	}
	digits := strings.TrimPrefix(id, "Ht")

	indexResp, err := in.Fetch.GetBytesWithRetry(ctx, fmt.Sprintf("%s/photos-index-page-1-aid-%s.html", base, digits),
		fetch.Options{Headers: headers, Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML(indexResp.Body)
	if err != nil {
		return nil, upstreamErrf("htmanga", "unparseable index page: %v", err)
	}
	meta := htMeta{ID: id}
	meta.Title = textContent(findByTag(doc, "h2"))
	if meta.Title == "" {
		return nil, upstreamErrf("htmanga", "comic %s: no title; snippet: %s", digits, fetch.Snippet(indexResp.Body))
	}
	for _, tag := range findAllByClass(doc, "a", "tagshow") {
		if t := textContent(tag); t != "" {
			meta.Tags = append(meta.Tags, t)
		}
	}
	cover := htIndexCover(doc, base)

	galleryResp, err := in.Fetch.GetBytesWithRetry(ctx, fmt.Sprintf("%s/photos-gallery-aid-%s.html", base, digits),
		fetch.Options{Headers: headers, Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	images := htGalleryImages(galleryResp.Body, base)
	if len(images) == 0 {
		return nil, upstreamErrf("htmanga", "comic %s: no images on gallery page; snippet: %s", digits, fetch.Snippet(galleryResp.Body))
	}
	meta.Pages = len(images)
	if cover == "" {
		cover = images[0]
	}

	in.Progress.SetTotal(len(images) + 1)
	in.Progress.EnsureAtLeast(CountDownloaded(in.WorkDir))

	jobs := []pageJob{{
		URLs:    []string{cover},
		Dest:    coverFile(in.WorkDir),
		Headers: headers,
	}}
	for i, u := range images {
		jobs = append(jobs, pageJob{
			URLs:    []string{u},
			Dest:    fmt.Sprintf("%s/%d.%s", pagesDir(in.WorkDir), i+1, extFromName(u)),
			Headers: headers,
		})
	}
	if err := runJobs(ctx, in, jobs); err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(meta)
	return &Downloaded{
		ID:        id,
		Title:     meta.Title,
		Type:      4,
		Tags:      meta.Tags,
		Directory: SafeID(id),
		Raw:       raw,
	}, nil
}

// htGalleryImages extracts, in page order, every image reference the
// gallery page embeds.
func htGalleryImages(body []byte, base string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range htURLRe.FindAllString(string(body), -1) {
		if !htImageURL(m) {
			continue
		}
		u := htAbs(m, base)
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// htIndexCover finds the first plausible image on the index page.
func htIndexCover(doc *html.Node, base string) string {
	for _, img := range findAllByTag(doc, "img") {
		src := attr(img, "src")
		if src != "" && htImageURL(src) {
			return htAbs(src, base)
		}
	}
	return ""
}

func htAbs(u, base string) string {
	switch {
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.HasPrefix(u, "/"):
		return base + u
	default:
		return u
	}
}

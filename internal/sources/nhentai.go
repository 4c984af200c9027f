package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"picavault/internal/fetch"
)

// Nhentai downloads flat galleries via the public JSON API.
type Nhentai struct{}

func (a *Nhentai) Name() string { return "nhentai" }

func (a *Nhentai) CanonicalID(target string) (string, error) {
	return digitsID("nhentai", target)
}

type nhGallery struct {
	MediaID any `json:"media_id"`
	Title   struct {
		English  string `json:"english"`
		Japanese string `json:"japanese"`
		Pretty   string `json:"pretty"`
	} `json:"title"`
	Images struct {
		Cover struct {
			T string `json:"t"`
		} `json:"cover"`
		Pages []struct {
			T string `json:"t"`
		} `json:"pages"`
	} `json:"images"`
	Tags []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"tags"`
}

// nhExt maps the API's one-letter image type to a file extension.
func nhExt(t string) string {
	switch t {
	case "j":
		return "jpg"
	case "p":
		return "png"
	case "g":
		return "gif"
	case "w":
		return "webp"
	default:
		return "jpg"
	}
}

func (a *Nhentai) Run(ctx context.Context, in *Input) (*Downloaded, error) {
	apiBase := authStringDefault(in.Auth, "apiBaseUrl", "https://nhentai.net")
	thumbBase := authStringDefault(in.Auth, "thumbBaseUrl", "https://t.nhentai.net")
	imgBase := authStringDefault(in.Auth, "imgBaseUrl", "https://i.nhentai.net")

	id, err := a.CanonicalID(in.Target)
	if err != nil {
		return nil, err
	}
	digits := strings.TrimPrefix(id, "nhentai")

	resp, err := in.Fetch.GetBytesWithRetry(ctx, fmt.Sprintf("%s/api/gallery/%s", apiBase, digits),
		fetch.Options{Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	var g nhGallery
	if err := json.Unmarshal(resp.Body, &g); err != nil {
		return nil, upstreamErrf("nhentai", "non-JSON gallery response: %s", fetch.Snippet(resp.Body))
	}
	mediaID := anyToString(g.MediaID)
	if mediaID == "" {
		return nil, upstreamErrf("nhentai", "gallery %s has no media_id", digits)
	}
	if len(g.Images.Pages) == 0 {
		return nil, upstreamErrf("nhentai", "gallery %s has no pages", digits)
	}

	total := len(g.Images.Pages) + 1 // cover counts as one work unit
	in.Progress.SetTotal(total)
	in.Progress.EnsureAtLeast(CountDownloaded(in.WorkDir))

	jobs := make([]pageJob, 0, total)
	jobs = append(jobs, pageJob{
		URLs: []string{fmt.Sprintf("%s/galleries/%s/cover.%s", thumbBase, mediaID, nhExt(g.Images.Cover.T))},
		Dest: coverFile(in.WorkDir),
	})
	for i, p := range g.Images.Pages {
		n := i + 1
		ext := nhExt(p.T)
		jobs = append(jobs, pageJob{
			URLs: []string{fmt.Sprintf("%s/galleries/%s/%d.%s", imgBase, mediaID, n, ext)},
			Dest: fmt.Sprintf("%s/%d.%s", pagesDir(in.WorkDir), n, ext),
		})
	}
	if err := runJobs(ctx, in, jobs); err != nil {
		return nil, err
	}

	title := g.Title.Pretty
	if title == "" {
		title = g.Title.English
	}
	tags := make([]string, 0, len(g.Tags))
	for _, t := range g.Tags {
		tags = append(tags, t.Type+":"+t.Name)
	}
	return &Downloaded{
		ID:        id,
		Title:     title,
		Subtitle:  g.Title.Japanese,
		Type:      5,
		Tags:      tags,
		Directory: SafeID(id),
		Raw:       json.RawMessage(resp.Body),
	}, nil
}

// anyToString normalizes media_id, which upstream serves either as a
// JSON string or a number.
func anyToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

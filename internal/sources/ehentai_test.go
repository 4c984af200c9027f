package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func ehGalleryPage(base string, links []string, total int) string {
	var b strings.Builder
	b.WriteString(`<html><body>`)
	b.WriteString(`<div id="gd1"><div style="background:transparent url(` + base + `/cover.jpg) no-repeat"></div></div>`)
	b.WriteString(`<h1 id="gn">Gallery Title</h1><h1 id="gj">ギャラリー</h1>`)
	b.WriteString(`<div id="gdn"><a href="#">uploader-name</a></div>`)
	fmt.Fprintf(&b, `<p class="gpc">Showing 1 - %d of %d images</p>`, len(links), total)
	b.WriteString(`<table id="taglist"><tr><td class="tc">female:</td><td><a href="#">tag-one</a><a href="#">tag-two</a></td></tr>`)
	b.WriteString(`<tr><td class="tc">language:</td><td><a href="#">japanese</a></td></tr></table>`)
	b.WriteString(`<div id="gdt">`)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s"><img src="x"></a>`, l)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func ehReaderPage(imgSrc string) string {
	return `<html><body><div id="i3"><a href="#"><img id="img" src="` + imgSrc + `"></a></div></body></html>`
}

// newEhentaiUpstream serves a 3-image gallery split over two listing
// pages.
func newEhentaiUpstream(t *testing.T, imageSrc func(n int, base string) string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := srv.URL
		switch {
		case r.URL.Path == "/g/618395/0439fa3666/":
			if r.URL.Query().Get("p") == "1" {
				fmt.Fprint(w, ehGalleryPage(base, []string{base + "/s/h3/618395-3"}, 3))
				return
			}
			fmt.Fprint(w, ehGalleryPage(base, []string{base + "/s/h1/618395-1", base + "/s/h2/618395-2"}, 3))
		case strings.HasPrefix(r.URL.Path, "/s/"):
			n := int(r.URL.Path[len(r.URL.Path)-1] - '0')
			fmt.Fprint(w, ehReaderPage(imageSrc(n, base)))
		case strings.HasPrefix(r.URL.Path, "/images/"):
			w.Write([]byte("image-" + r.URL.Path))
		case r.URL.Path == "/cover.jpg":
			w.Write([]byte("cover-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEhentaiRun(t *testing.T) {
	srv := newEhentaiUpstream(t, func(n int, base string) string {
		return fmt.Sprintf("%s/images/%d.jpg", base, n)
	})
	in, p := newInput(t, srv.URL+"/g/618395/0439fa3666/", map[string]any{"cookie": "ipb_member_id=1"})

	got, err := (&Ehentai{}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.ID != "618395" || got.Type != 1 {
		t.Errorf("id/type = %q/%d", got.ID, got.Type)
	}
	if got.Title != "Gallery Title" || got.Subtitle != "ギャラリー" {
		t.Errorf("title/subtitle = %q/%q", got.Title, got.Subtitle)
	}
	wantTags := []string{"female:tag-one", "female:tag-two", "language:japanese"}
	if len(got.Tags) != 3 {
		t.Fatalf("tags = %v", got.Tags)
	}
	for i, w := range wantTags {
		if got.Tags[i] != w {
			t.Errorf("tag[%d] = %q, want %q", i, got.Tags[i], w)
		}
	}
	for _, rel := range []string{"cover.jpg", "pages/1.jpg", "pages/2.jpg", "pages/3.jpg"} {
		if fi, err := os.Stat(filepath.Join(in.WorkDir, rel)); err != nil || fi.Size() == 0 {
			t.Errorf("missing staged file %s: %v", rel, err)
		}
	}
	progress, total := p.snapshot()
	if progress != 4 || total != 4 {
		t.Errorf("progress/total = %d/%d, want 4/4", progress, total)
	}
}

func TestEhentaiRequiresCookie(t *testing.T) {
	in, _ := newInput(t, "https://e-hentai.org/g/618395/0439fa3666/", map[string]any{})
	_, err := (&Ehentai{}).Run(context.Background(), in)
	if err == nil || !strings.Contains(err.Error(), "auth.cookie") {
		t.Errorf("err = %v, want missing auth.cookie", err)
	}
}

func TestEhentaiImageLimit(t *testing.T) {
	srv := newEhentaiUpstream(t, func(n int, base string) string {
		if n == 2 {
			return base + "/img/509.gif"
		}
		return fmt.Sprintf("%s/images/%d.jpg", base, n)
	})
	in, _ := newInput(t, srv.URL+"/g/618395/0439fa3666/", map[string]any{"cookie": "c"})

	_, err := (&Ehentai{}).Run(context.Background(), in)
	if err == nil || !strings.Contains(err.Error(), "image limit exceeded") {
		t.Errorf("err = %v, want image limit exceeded", err)
	}
}

func TestEhTotalImagesParsesThousands(t *testing.T) {
	doc, _ := parseHTML([]byte(`<p class="gpc">Showing 1 - 40 of 1,234 images</p>`))
	n, err := ehTotalImages(doc)
	if err != nil || n != 1234 {
		t.Errorf("total = %d, %v", n, err)
	}
}

func TestEhCoverFromStyle(t *testing.T) {
	doc, _ := parseHTML([]byte(`<div id="gd1"><div style="width:250px; background:transparent url('https://x/t/cover.jpg') no-repeat"></div></div>`))
	if got := ehCover(doc); got != "https://x/t/cover.jpg" {
		t.Errorf("cover = %q", got)
	}
}

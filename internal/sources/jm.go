package sources

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strconv"
	"strings"
	"time"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"picavault/internal/fetch"
)

// Static key material shared by all official JM clients: one secret
// salts the request token, the other derives the payload AES key.
const (
	jmTokenSecret     = "18comicAPPContent"
	jmDataSecret      = "185Hcomic3PAPP7R"
	jmDefaultScramble = "220980"
)

// JM downloads chaptered albums through the encrypted JSON API and
// descrambles the segmented images.
type JM struct{}

func (a *JM) Name() string { return "jm" }

func (a *JM) CanonicalID(target string) (string, error) {
	return digitsID("jm", target)
}

// jmGet performs one API call and returns the decrypted payload. The
// request token and the payload key are both derived from the same
// timestamp, so it must be captured once per call.
func (a *JM) jmGet(ctx context.Context, in *Input, base, appVersion, path string) ([]byte, error) {
	timeStr := strconv.FormatInt(time.Now().Unix(), 10)
	tokenSum := md5.Sum([]byte(timeStr + jmTokenSecret))
	headers := map[string]string{
		"token":      hex.EncodeToString(tokenSum[:]),
		"tokenparam": timeStr + "," + appVersion,
	}
	resp, err := in.Fetch.GetBytesWithRetry(ctx, base+path,
		fetch.Options{Headers: headers, Timeout: pageTimeout, Retries: in.Retries}, in.Stop)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Code     any    `json:"code"`
		Data     string `json:"data"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, upstreamErrf("jm", "non-JSON response for %s: %s", path, fetch.Snippet(resp.Body))
	}
	if code := toInt(envelope.Code); code != 200 {
		return nil, upstreamErrf("jm", "api code %d for %s: %s", code, path, envelope.ErrorMsg)
	}
	return jmDecrypt(envelope.Data, timeStr)
}

// jmDecrypt reverses the API payload envelope: base64, then AES-128
// ECB keyed by md5(time+secret), then a right trim to the last JSON
// terminator to drop the padding.
func jmDecrypt(data, timeStr string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, upstreamErrf("jm", "payload is not base64: %v", err)
	}
	key := md5.Sum([]byte(timeStr + jmDataSecret))
	plain, err := aesECBDecrypt(raw, key[:])
	if err != nil {
		return nil, upstreamErrf("jm", "payload decrypt failed: %v", err)
	}
	if i := bytes.LastIndexAny(plain, "}]"); i >= 0 {
		plain = plain[:i+1]
	}
	return plain, nil
}

func aesECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

type jmAlbum struct {
	ID          any      `json:"id"`
	Name        string   `json:"name"`
	Author      []string `json:"author"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Series      []struct {
		ID   any `json:"id"`
		Sort any `json:"sort"`
	} `json:"series"`
}

type jmChapter struct {
	ID     any      `json:"id"`
	Images []string `json:"images"`
}

func (a *JM) Run(ctx context.Context, in *Input) (*Downloaded, error) {
	apiBase, err := authString(in.Auth, "apiBaseUrl")
	if err != nil {
		return nil, err
	}
	imgBase, err := authString(in.Auth, "imgBaseUrl")
	if err != nil {
		return nil, err
	}
	appVersion, err := authString(in.Auth, "appVersion")
	if err != nil {
		return nil, err
	}
	scrambleID, err := strconv.Atoi(authStringDefault(in.Auth, "scrambleId", jmDefaultScramble))
	if err != nil {
		return nil, fetch.Argf("auth.scrambleId is not numeric")
	}
	apiBase = strings.TrimSuffix(apiBase, "/")
	imgBase = strings.TrimSuffix(imgBase, "/")

	id, err := a.CanonicalID(in.Target)
	if err != nil {
		return nil, err
	}
	digits := strings.TrimPrefix(id, "jm")

	albumRaw, err := a.jmGet(ctx, in, apiBase, appVersion, "/album?id="+digits)
	if err != nil {
		return nil, err
	}
	var album jmAlbum
	if err := json.Unmarshal(albumRaw, &album); err != nil {
		return nil, upstreamErrf("jm", "malformed album payload: %s", fetch.Snippet(albumRaw))
	}

	// A series-less album is its own single chapter.
	chapterIDs := []string{digits}
	if len(album.Series) > 0 {
		chapterIDs = chapterIDs[:0]
		for _, s := range album.Series {
			if cid := anyToString(s.ID); cid != "" {
				chapterIDs = append(chapterIDs, cid)
			}
		}
	}
	selected := selectEps(len(chapterIDs), in.Eps)

	type chapterImages struct {
		epNo   int
		chapID string
		images []string
	}
	var chapters []chapterImages
	totalPages := 0
	for _, idx := range selected {
		if err := in.Stop.Err(); err != nil {
			return nil, err
		}
		chapRaw, err := a.jmGet(ctx, in, apiBase, appVersion, "/chapter?id="+chapterIDs[idx])
		if err != nil {
			return nil, err
		}
		var chap jmChapter
		if err := json.Unmarshal(chapRaw, &chap); err != nil {
			return nil, upstreamErrf("jm", "malformed chapter payload: %s", fetch.Snippet(chapRaw))
		}
		chapters = append(chapters, chapterImages{epNo: idx + 1, chapID: chapterIDs[idx], images: chap.Images})
		totalPages += len(chap.Images)
	}

	in.Progress.SetTotal(totalPages + 1)
	in.Progress.EnsureAtLeast(CountDownloaded(in.WorkDir))

	jobs := []pageJob{{
		URLs: []string{fmt.Sprintf("%s/media/albums/%s_3x4.jpg", imgBase, digits)},
		Dest: coverFile(in.WorkDir),
	}}
	for _, ch := range chapters {
		chapNum, _ := strconv.Atoi(ch.chapID)
		for i, name := range ch.images {
			name := name
			jobs = append(jobs, pageJob{
				URLs: []string{fmt.Sprintf("%s/media/photos/%s/%s", imgBase, ch.chapID, name)},
				Dest: fmt.Sprintf("%s/%d.jpg", epDir(in.WorkDir, ch.epNo), i+1),
				Process: func(body []byte, contentType string) ([]byte, error) {
					return jmDescramble(body, contentType, chapNum, name, scrambleID)
				},
			})
		}
	}
	if err := runJobs(ctx, in, jobs); err != nil {
		return nil, err
	}

	subtitle := strings.Join(album.Author, ", ")
	return &Downloaded{
		ID:        id,
		Title:     album.Name,
		Subtitle:  subtitle,
		Type:      2,
		Tags:      album.Tags,
		Directory: SafeID(id),
		Raw:       json.RawMessage(albumRaw),
	}, nil
}

// jmSegmentCount derives the number of horizontal bands an image was
// scrambled into from the chapter id and picture name.
func jmSegmentCount(chapterID int, pictureName string, scrambleID int) int {
	switch {
	case chapterID < scrambleID:
		return 0
	case chapterID < 268850:
		return 10
	}
	name := strings.TrimSuffix(pictureName, extSuffix(pictureName))
	sum := md5.Sum([]byte(strconv.Itoa(chapterID) + name))
	h := hex.EncodeToString(sum[:])
	c := int(h[len(h)-1])
	if chapterID > 421926 {
		return (c%8)*2 + 2
	}
	return (c%10)*2 + 2
}

func extSuffix(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// jmDescramble reconstructs a scrambled image: the source is split
// into N horizontal bands of height floor(H/N), the residual rows
// belong to the last band, and the output stacks the bands in reverse
// order. The result is re-encoded as JPEG. With N<=1 the body passes
// through untouched (still validated as a decodable image).
func jmDescramble(body []byte, contentType string, chapterID int, pictureName string, scrambleID int) ([]byte, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, upstreamErrf("jm", "unexpected content-type %q for %s", contentType, pictureName)
	}
	src, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, upstreamErrf("jm", "unreadable image %s: %v", pictureName, err)
	}
	n := jmSegmentCount(chapterID, pictureName, scrambleID)
	if n <= 1 {
		return body, nil
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	band := height / n
	residual := height % n

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	dy := 0
	for i := n - 1; i >= 0; i-- {
		h := band
		if i == n-1 {
			h += residual
		}
		srcY := bounds.Min.Y + i*band
		r := image.Rect(0, dy, width, dy+h)
		draw.Draw(dst, r, src, image.Pt(bounds.Min.X, srcY), draw.Src)
		dy += h
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, upstreamErrf("jm", "re-encode %s failed: %v", pictureName, err)
	}
	return out.Bytes(), nil
}

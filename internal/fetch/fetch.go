// Package fetch is the bounded HTTP layer under every download job.
// It owns retries, byte caps and stop-token polling, but never the
// http.Client itself: the scheduler shares one client across all jobs
// of a task so a cancel can force-close the socket pool.
package fetch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"picavault/internal/stop"
)

const (
	// CopyBufferSize is the chunk granularity for stop polling and
	// byte-cap accounting while streaming a body.
	CopyBufferSize = 32 * 1024

	maxRedirects     = 5
	backoffInitial   = 400 * time.Millisecond
	genericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// ErrTooLarge marks a response that exceeded the caller's byte cap,
// either up front via Content-Length or mid-stream. Never retried.
var ErrTooLarge = errors.New("response exceeds size cap")

// NewClient builds the per-task HTTP client. Connection setup is
// capped at 25s; per-request deadlines come from Options.Timeout.
func NewClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   25 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   0, // request contexts carry the deadlines
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Options shape one fetch. Zero values mean: no extra headers, 25s
// timeout, no byte cap, no retries.
type Options struct {
	Headers  map[string]string
	Timeout  time.Duration
	MaxBytes int64
	Retries  int
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 25 * time.Second
	}
	return o.Timeout
}

// Response is the in-memory result of GetBytes.
type Response struct {
	Status      int
	Body        []byte
	FinalURL    string
	ContentType string
}

// Fetcher performs stop-aware GETs over a caller-owned client.
type Fetcher struct {
	client *http.Client
	log    *slog.Logger
}

func New(client *http.Client, log *slog.Logger) *Fetcher {
	return &Fetcher{client: client, log: log}
}

// DownloadToFile streams uri into dst. The destination is truncated on
// every attempt and removed again whenever the attempt does not finish,
// so a present non-empty file always means a complete download.
func (f *Fetcher) DownloadToFile(ctx context.Context, uri, dst string, opt Options, tok *stop.Token) error {
	if err := checkScheme(uri); err != nil {
		return err
	}
	return f.withRetry(ctx, opt.Retries, tok, func() error {
		return f.downloadOnce(ctx, uri, dst, opt, tok)
	})
}

// GetBytes performs a single GET attempt and buffers up to
// opt.MaxBytes of the body.
func (f *Fetcher) GetBytes(ctx context.Context, uri string, opt Options, tok *stop.Token) (*Response, error) {
	if err := checkScheme(uri); err != nil {
		return nil, err
	}
	return f.getOnce(ctx, uri, opt, tok)
}

// GetBytesWithRetry is GetBytes under the shared retry policy. A
// success requires a 2xx status; retryable statuses and network errors
// are re-attempted up to opt.Retries times with exponential backoff.
func (f *Fetcher) GetBytesWithRetry(ctx context.Context, uri string, opt Options, tok *stop.Token) (*Response, error) {
	if err := checkScheme(uri); err != nil {
		return nil, err
	}
	var resp *Response
	err := f.withRetry(ctx, opt.Retries, tok, func() error {
		r, err := f.getOnce(ctx, uri, opt, tok)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) downloadOnce(ctx context.Context, uri, dst string, opt Options, tok *stop.Token) (err error) {
	resp, cancel, err := f.send(ctx, uri, opt, tok)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, opt)
	}
	if opt.MaxBytes > 0 && resp.ContentLength > opt.MaxBytes {
		return ErrTooLarge
	}

	file, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(dst)
		}
	}()

	_, err = f.copyBody(resp.Body, file, opt.MaxBytes, tok)
	return err
}

func (f *Fetcher) getOnce(ctx context.Context, uri string, opt Options, tok *stop.Token) (*Response, error) {
	resp, cancel, err := f.send(ctx, uri, opt, tok)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	if opt.MaxBytes > 0 && resp.ContentLength > opt.MaxBytes {
		return nil, ErrTooLarge
	}

	var buf bytes.Buffer
	if _, err := f.copyBody(resp.Body, &buf, opt.MaxBytes, tok); err != nil {
		return nil, err
	}
	out := &Response{
		Status:      resp.StatusCode,
		Body:        buf.Bytes(),
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, BodySnippet: Snippet(out.Body)}
	}
	return out, nil
}

// send polls the token, builds the request and performs the round
// trip. The returned cancel must run after the body is consumed.
func (f *Fetcher) send(ctx context.Context, uri string, opt Options, tok *stop.Token) (*http.Response, context.CancelFunc, error) {
	if err := tok.Err(); err != nil {
		return nil, nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, opt.timeout())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uri, nil)
	if err != nil {
		cancel()
		return nil, nil, Argf("bad request: %v", err)
	}
	req.Header.Set("User-Agent", genericUserAgent)
	req.Header.Set("Accept", "*/*")
	for k, v := range opt.Headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		// A force-closed pool or a mid-flight cancel surfaces as a
		// transport error; report the stop instead when it fired.
		if serr := tok.Err(); serr != nil {
			return nil, nil, serr
		}
		return nil, nil, errors.Wrap(err, "request")
	}
	return resp, cancel, nil
}

// copyBody streams src into w in CopyBufferSize chunks, polling the
// token between chunks and enforcing the byte cap mid-transfer.
func (f *Fetcher) copyBody(src io.Reader, w io.Writer, maxBytes int64, tok *stop.Token) (int64, error) {
	buf := make([]byte, CopyBufferSize)
	var total int64
	for {
		if err := tok.Err(); err != nil {
			return total, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if maxBytes > 0 && total > maxBytes {
				return total, ErrTooLarge
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return total, errors.Wrap(err, "write body")
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			if serr := tok.Err(); serr != nil {
				return total, serr
			}
			return total, errors.Wrap(readErr, "read body")
		}
	}
}

func (f *Fetcher) withRetry(ctx context.Context, retries int, tok *stop.Token, attempt func() error) error {
	if retries < 0 {
		retries = 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	tries := 0
	op := func() error {
		if err := tok.Err(); err != nil {
			return backoff.Permanent(err)
		}
		tries++
		err := attempt()
		if err == nil {
			return nil
		}
		if _, ok := stop.IsStopped(err); ok {
			return backoff.Permanent(err)
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		if f.log != nil {
			f.log.Warn("fetch attempt failed, retrying", "attempt", tries, "error", err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(retries)))
}

// Retryable reports whether err is a transient failure worth another
// attempt: retryable HTTP statuses and generic network errors. Caller
// mistakes, stop unwinds and byte-cap violations are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsArg(err) || errors.Is(err, ErrTooLarge) {
		return false
	}
	if _, ok := stop.IsStopped(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		default:
			return se.Status >= 500
		}
	}
	// Everything else at this point is a transport-level failure.
	return true
}

func checkScheme(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return Argf("invalid url %q: %v", uri, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Argf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

func statusError(resp *http.Response, opt Options) error {
	limit := int64(4 * 1024)
	if opt.MaxBytes > 0 && opt.MaxBytes < limit {
		limit = opt.MaxBytes
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, limit))
	return &StatusError{Status: resp.StatusCode, BodySnippet: Snippet(body)}
}

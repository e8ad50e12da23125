package util

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
)

type HTTPClientOptions struct {
	Timeout    time.Duration
	UserAgent  string
	Cookie     string
	CookieFile string
	// Bypass wraps the transport with Cloudflare's browser fingerprint.
	Bypass      bool
	Transport   http.RoundTripper
	DebugLogger interface {
		Debugf(string, ...any)
	}
}

func NewHTTPClient(opts HTTPClientOptions) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}
	if opts.Bypass {
		base = cloudflarebp.AddCloudFlareByPass(base)
	}

	cookies, err := joinCookies(opts.Cookie, opts.CookieFile)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: roundTripper{
			base:         base,
			ua:           opts.UserAgent,
			cookieHeader: cookies,
			log:          opts.DebugLogger,
		},
		Jar: jar,
	}

	if opts.DebugLogger != nil {
		opts.DebugLogger.Debugf("HTTP client initialized (timeout=%s, bypass=%t, cookieFile=%q)",
			opts.Timeout, opts.Bypass, opts.CookieFile)
	}

	return client, nil
}

type roundTripper struct {
	base         http.RoundTripper
	ua           string
	cookieHeader string
	log          interface{ Debugf(string, ...any) }
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", rt.ua)
	}
	if rt.cookieHeader != "" && req.Header.Get("Cookie") == "" {
		req.Header.Set("Cookie", rt.cookieHeader)
	}

	if rt.log != nil {
		rt.log.Debugf("HTTP %s %s", req.Method, req.URL.String())
	}

	return rt.base.RoundTrip(req)
}

// joinCookies appends the first non-empty line of file to the inline cookie
// header.
func joinCookies(inline, file string) (string, error) {
	s := strings.TrimSpace(inline)
	if file == "" {
		return s, nil
	}

	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("cookie file: %w", err)
	}

	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if s == "" {
			return line, nil
		}
		return s + "; " + line, nil
	}

	return s, nil
}

// DoWithRetry retries transport errors and 5xx answers with a linear
// backoff. Any answer below 500 is returned to the caller as is.
func DoWithRetry(ctx context.Context, c *http.Client, req *http.Request, attempts int, backoff time.Duration) (*http.Response, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		resp *http.Response
		err  error
	)
	for i := 1; i <= attempts; i++ {
		resp, err = c.Do(req.Clone(ctx))
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if i == attempts {
			if err == nil {
				err = fmt.Errorf("HTTP %d after %d attempts", status, attempts)
			}
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(i)):
		}
	}

	return nil, err
}

func PickUserAgent(override string) string {
	if override != "" {
		return override
	}

	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
}

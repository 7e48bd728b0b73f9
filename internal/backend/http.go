package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ProbeTimeout = 10 * time.Second

// RetryOnAuthExpired runs call and, if it reports ErrAuthExpired, refreshes
// credentials and runs it exactly once more.
func RetryOnAuthExpired[T any](ctx context.Context, refresh func(context.Context) error, call func(context.Context) (T, error)) (T, error) {
	v, err := call(ctx)
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return v, err
	}
	if rerr := refresh(ctx); rerr != nil {
		var zero T
		return zero, rerr
	}
	return call(ctx)
}

// Endpoint joins host and path and appends the shared secret as a query
// parameter when set.
func Endpoint(host, path, secret string) (string, error) {
	u, err := url.Parse(strings.TrimRight(host, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: bad host %q", ErrConfig, host)
	}
	if secret != "" {
		q := u.Query()
		q.Set("secret", secret)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// CheckHost is the probe of self-hosted backends: GET host?secret=... must
// answer 200.
func CheckHost(ctx context.Context, client *http.Client, host, secret string) error {
	endpoint, err := Endpoint(host, "", secret)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	resp, err := httpClient(client).Do(req)
	if err != nil {
		return Classify(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s answered %s", ErrUpstream, host, resp.Status)
	}
	return nil
}

// PostJSON sends body as JSON and decodes a JSON reply into out. Non-2xx
// replies become ErrUpstream errors carrying the response text.
func PostJSON(ctx context.Context, client *http.Client, endpoint string, timeout time.Duration, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrInput, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(client).Do(req)
	if err != nil {
		return Classify(err)
	}
	defer resp.Body.Close()
	return DecodeJSON(resp, out)
}

// DecodeJSON checks the status and decodes resp's body into out.
func DecodeJSON(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: %s", ErrUpstream, resp.Status, snippet(data))
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode reply: %v: %s", ErrUpstream, err, snippet(data))
	}
	return nil
}

// OutputDir creates dir (and parents) and returns its absolute path.
func OutputDir(dir string) (string, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chatbot")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: output dir: %v", ErrConfig, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("%w: output dir: %v", ErrConfig, err)
	}
	return abs, nil
}

// OutputFile returns a fresh path in dir for synthesized audio.
func OutputFile(dir, ext string) string {
	return filepath.Join(dir, "synthesize-"+uuid.NewString()+"."+strings.TrimPrefix(ext, "."))
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type apiError struct {
	Status  int
	Message string
	Code    string
	Reasons []string
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine returned %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Reasons, ", "))
	}
	return b.String()
}

type client struct {
	base string
	http *http.Client
}

func newClient(opts *options) *client {
	return &client{
		base: strings.TrimRight(opts.server, "/"),
		http: &http.Client{Timeout: opts.timeout},
	}
}

// do sends the request and returns the raw response body. Non-2xx responses return the body together
// with an *apiError so callers can still print it.
func (c *client) do(ctx context.Context, method, path string, payload any, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	apiErr := &apiError{Status: resp.StatusCode}
	var envelope struct {
		Error   string   `json:"error"`
		Code    string   `json:"code"`
		Reasons []string `json:"reasons"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		apiErr.Message = envelope.Error
		apiErr.Code = envelope.Code
		apiErr.Reasons = envelope.Reasons
	}
	return raw, apiErr
}

// call performs the request and prints the response body as indented JSON.
func call(cmd *cobra.Command, opts *options, method, path string, payload any, headers map[string]string) error {
	raw, err := newClient(opts).do(cmd.Context(), method, path, payload, headers)
	if len(raw) > 0 {
		printJSON(cmd.OutOrStdout(), raw)
	}
	return err
}

func printJSON(w io.Writer, raw []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, _ = w.Write(raw)
		return
	}
	out.WriteByte('\n')
	_, _ = w.Write(out.Bytes())
}

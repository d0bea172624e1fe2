// Package client implements the backup side of the cdp protocol: an HTTP
// client for the server, file scanning and chunking, and the backup loop
// that sends only the chunks the server lacks.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"cdp-go/internal/cdp"
	"cdp-go/internal/version"
)

// hashArrayHeader matches server.HashArrayHeader.
const hashArrayHeader = "X-Get-Hash-Array"

// maxAnswerBytes bounds how much of a response body is read.
const maxAnswerBytes = 1 << 30

// ServerError is a protocol error answered by the server as a JSON object
// such as {"Chunk not found": "<hex>"}.
type ServerError struct {
	Kind   string
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return "server: " + e.Kind
	}
	return fmt.Sprintf("server: %s: %s", e.Kind, e.Detail)
}

// Unwrap maps the server's error kinds back to the cdp sentinels.
func (e *ServerError) Unwrap() error {
	switch e.Kind {
	case "Chunk not found":
		return cdp.ErrChunkNotFound
	case "Malformed request":
		return cdp.ErrMalformedQuery
	case "Invalid chunk":
		return cdp.ErrInvalidChunk
	case "Invalid record":
		return cdp.ErrInvalidRecord
	default:
		return nil
	}
}

// Client talks to a cdp server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger cdp.Logger
}

// New creates a Client for the server at baseURL. A zero timeout means no
// per-request timeout.
func New(baseURL string, timeout time.Duration, logger cdp.Logger) (*Client, error) {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, logger)
}

// NewWithHTTPClient creates a Client that sends requests through hc.
func NewWithHTTPClient(baseURL string, hc *http.Client, logger cdp.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	return &Client{base: u, http: hc, logger: logger}, nil
}

// Version returns the server identity.
func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var info version.Info
	body, err := c.do(ctx, http.MethodGet, "/Version.json", nil, nil, nil)
	if err != nil {
		return info, err
	}
	if err := decodeAnswer(body, "name", &info); err != nil {
		return info, err
	}
	return info, nil
}

// Announce posts rec and returns the hashes the server wants.
func (c *Client) Announce(ctx context.Context, rec cdp.HostFileRecord) (cdp.HashList, error) {
	var needed cdp.HashList
	body, err := c.postJSON(ctx, "/Meta.json", rec)
	if err != nil {
		return nil, err
	}
	if err := decodeAnswer(body, "hash_list", &needed); err != nil {
		return nil, fmt.Errorf("announcing %s: %w", rec.Name, err)
	}
	return needed, nil
}

// Needed returns the subset of hashes the server does not store, without
// announcing a file.
func (c *Client) Needed(ctx context.Context, hashes []cdp.Hash) (cdp.HashList, error) {
	var needed cdp.HashList
	body, err := c.postJSON(ctx, "/Hash_Array.json", map[string]cdp.HashList{"hash_list": hashes})
	if err != nil {
		return nil, err
	}
	if err := decodeAnswer(body, "hash_list", &needed); err != nil {
		return nil, err
	}
	return needed, nil
}

// SendChunks posts descs, one request per call. A single descriptor goes
// to /Data.json, several to /Data_Array.json.
func (c *Client) SendChunks(ctx context.Context, descs []cdp.ChunkDescriptor) error {
	var (
		body []byte
		err  error
	)
	switch len(descs) {
	case 0:
		return nil
	case 1:
		body, err = c.postJSON(ctx, "/Data.json", descs[0])
	default:
		body, err = c.postJSON(ctx, "/Data_Array.json", map[string][]cdp.ChunkDescriptor{"data_array": descs})
	}
	if err != nil {
		return err
	}
	if answer := strings.TrimSpace(string(body)); answer != "Ok!" {
		return answerError(body)
	}
	return nil
}

// Chunk fetches one chunk.
func (c *Client) Chunk(ctx context.Context, hash cdp.Hash) (cdp.ChunkDescriptor, error) {
	var desc cdp.ChunkDescriptor
	body, err := c.do(ctx, http.MethodGet, "/Data/"+hash.String(), nil, nil, nil)
	if err != nil {
		return desc, err
	}
	if err := decodeAnswer(body, "hash", nil); err != nil {
		return desc, err
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		return desc, fmt.Errorf("decoding chunk %s: %w", hash, err)
	}
	return desc, nil
}

// Chunks fetches several chunks in one request. The server answers in
// request order.
func (c *Client) Chunks(ctx context.Context, hashes []cdp.Hash) ([]cdp.ChunkDescriptor, error) {
	if len(hashes) == 1 {
		desc, err := c.Chunk(ctx, hashes[0])
		if err != nil {
			return nil, err
		}
		return []cdp.ChunkDescriptor{desc}, nil
	}

	encoded := make([]string, len(hashes))
	for i, h := range hashes {
		encoded[i] = h.Base64()
	}
	header := http.Header{hashArrayHeader: {strings.Join(encoded, ",")}}

	body, err := c.do(ctx, http.MethodGet, "/Data/Hash_Array.json", nil, header, nil)
	if err != nil {
		return nil, err
	}
	var descs []cdp.ChunkDescriptor
	if err := decodeAnswer(body, "data_array", &descs); err != nil {
		return nil, err
	}
	if len(descs) != len(hashes) {
		return nil, fmt.Errorf("server returned %d chunks for %d hashes", len(descs), len(hashes))
	}
	return descs, nil
}

// List returns the records matching q. Hostname, UID, GID, Owner and Group
// are sent as is; the optional filters are base64 encoded.
func (c *Client) List(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	params := url.Values{
		"hostname": {q.Hostname},
		"uid":      {strconv.FormatUint(uint64(q.UID), 10)},
		"gid":      {strconv.FormatUint(uint64(q.GID), 10)},
		"owner":    {q.Owner},
		"group":    {q.Group},
	}
	for key, value := range map[string]string{
		"filename":   q.FilenamePattern,
		"date":       q.Date,
		"afterdate":  q.AfterDate,
		"beforedate": q.BeforeDate,
	} {
		if value != "" {
			params.Set(key, base64.StdEncoding.EncodeToString([]byte(value)))
		}
	}

	body, err := c.do(ctx, http.MethodGet, "/File/List.json", params, nil, nil)
	if err != nil {
		return nil, err
	}
	var records []cdp.HostFileRecord
	if err := decodeAnswer(body, "file_list", &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", path, err)
	}
	header := http.Header{"Content-Type": {"application/json"}}
	return c.do(ctx, http.MethodPost, path, nil, header, payload)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, header http.Header, payload []byte) ([]byte, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading answer: %w", method, path, err)
	}
	c.logger.Debug("request done", "method", method, "path", path, "status", resp.StatusCode,
		"sent", len(payload), "received", len(answer), "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	return answer, nil
}

// decodeAnswer decodes the value under key from a JSON object answer. An
// object lacking key is a protocol error. A nil v only checks for key.
func decodeAnswer(body []byte, key string, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("unexpected answer %q: %w", truncate(body), err)
	}
	raw, ok := fields[key]
	if !ok {
		return serverError(fields, body)
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %q: %w", key, err)
	}
	return nil
}

func answerError(body []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("unexpected answer %q", truncate(body))
	}
	return serverError(fields, body)
}

// serverError builds a ServerError from an error object. Objects carry one
// key naming the error, plus "expected" for hash length errors.
func serverError(fields map[string]json.RawMessage, body []byte) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "expected" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("unexpected answer %q", truncate(body))
	}
	slices.Sort(keys)

	e := &ServerError{Kind: keys[0]}
	var s string
	if err := json.Unmarshal(fields[keys[0]], &s); err == nil {
		e.Detail = s
	} else {
		e.Detail = string(fields[keys[0]])
	}
	return e
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"cdp-go/internal/backend"
	"cdp-go/internal/cdp"
	"cdp-go/internal/server"
	"cdp-go/internal/testutil"
	"cdp-go/internal/version"
)

type fixture struct {
	mem      *backend.MemoryBackend
	pipeline *cdp.Pipeline
	ts       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := backend.NewMemoryBackend()
	p := cdp.NewPipeline(mem, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Stop() })

	srv := server.New(cdp.NewService(mem, p, nil, nil), p, version.Get(), testutil.NewRecordingLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{mem: mem, pipeline: p, ts: ts}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.pipeline.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func (f *fixture) get(t *testing.T, path string, header http.Header) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return f.do(t, req)
}

func (f *fixture) post(t *testing.T, path string, body any) []byte {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *fixture) do(t *testing.T, req *http.Request) []byte {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s %s: status %d, want 200", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decoding %q: %v", body, err)
	}
}

func TestServer_Version(t *testing.T) {
	f := newFixture(t)

	text := string(f.get(t, "/Version", nil))
	if !strings.HasPrefix(text, version.Name+" version: ") {
		t.Errorf("/Version = %q", text)
	}

	var info version.Info
	decode(t, f.get(t, "/Version.json", nil), &info)
	if info.Name != version.Name || info.Version != version.Version {
		t.Errorf("/Version.json = %+v", info)
	}
}

func TestServer_DedupRoundTrip(t *testing.T) {
	f := newFixture(t)

	content := []byte("hello, world! this is a.txt and it has a few chunks of text")
	chunks := testutil.Split(content, 16)
	rec := testutil.NewRecord("host1", "/home/alice/a.txt", time.Unix(1700000000, 0), content, 16)

	var needed struct {
		HashList []cdp.Hash `json:"hash_list"`
	}
	decode(t, f.post(t, "/Meta.json", rec), &needed)
	if len(needed.HashList) != len(chunks) {
		t.Fatalf("announce needed %d hashes, want %d", len(needed.HashList), len(chunks))
	}

	var descs []cdp.ChunkDescriptor
	for i, c := range chunks[1:] {
		desc, err := cdp.CompressChunk(c, cdp.CompressionType(i%3))
		if err != nil {
			t.Fatal(err)
		}
		descs = append(descs, desc)
	}
	if got := string(f.post(t, "/Data.json", cdp.NewChunkDescriptor(chunks[0]))); got != "Ok!" {
		t.Fatalf("POST /Data.json = %q, want Ok!", got)
	}
	if got := string(f.post(t, "/Data_Array.json", map[string]any{"data_array": descs})); got != "Ok!" {
		t.Fatalf("POST /Data_Array.json = %q, want Ok!", got)
	}
	f.flush(t)

	decode(t, f.post(t, "/Meta.json", rec), &needed)
	if len(needed.HashList) != 0 {
		t.Errorf("second announce needed %d hashes, want 0", len(needed.HashList))
	}

	var one cdp.ChunkDescriptor
	decode(t, f.get(t, "/Data/"+rec.Hashes[2].String(), nil), &one)
	data, err := one.Plain()
	if err != nil {
		t.Fatalf("Plain() error = %v", err)
	}
	if !bytes.Equal(data, chunks[2]) {
		t.Errorf("GET /Data/<hex> = %q, want %q", data, chunks[2])
	}

	// Request order, not storage order.
	order := []cdp.Hash{rec.Hashes[3], rec.Hashes[0], rec.Hashes[1]}
	var b64 []string
	for _, h := range order {
		b64 = append(b64, h.Base64())
	}
	var batch struct {
		DataArray []cdp.ChunkDescriptor `json:"data_array"`
	}
	decode(t, f.get(t, "/Data/Hash_Array.json", http.Header{server.HashArrayHeader: {strings.Join(b64, ",")}}), &batch)
	if len(batch.DataArray) != len(order) {
		t.Fatalf("batch returned %d chunks, want %d", len(batch.DataArray), len(order))
	}
	for i, d := range batch.DataArray {
		if d.Hash != order[i] {
			t.Errorf("batch[%d] = %s, want %s", i, d.Hash, order[i])
		}
	}

	var stats map[string]any
	decode(t, f.get(t, "/Stats.json", nil), &stats)
	if got := stats["nb_files"]; got != float64(2) {
		t.Errorf("nb_files = %v, want 2", got)
	}
	requests := stats["requests"].(map[string]any)
	if requests["post"] != float64(4) {
		t.Errorf("requests.post = %v, want 4", requests["post"])
	}
}

func TestServer_HashArray(t *testing.T) {
	f := newFixture(t)

	stored := []byte("already here")
	f.post(t, "/Data.json", cdp.NewChunkDescriptor(stored))
	f.flush(t)

	missing := cdp.Sum([]byte("missing"))
	var got struct {
		HashList []cdp.Hash `json:"hash_list"`
	}
	decode(t, f.post(t, "/Hash_Array.json", map[string]any{
		"hash_list": []cdp.Hash{cdp.Sum(stored), missing, missing},
	}), &got)

	if len(got.HashList) != 1 || got.HashList[0] != missing {
		t.Errorf("needed = %v, want [%s]", got.HashList, missing)
	}
	if recs, _ := f.pipeline.Len(); recs != 0 {
		t.Errorf("Hash_Array.json queued %d records, want 0", recs)
	}
}

func TestServer_List(t *testing.T) {
	f := newFixture(t)

	for _, r := range []cdp.HostFileRecord{
		testutil.NewRecord("host1", "/docs/report.TXT", time.Unix(1700000000, 0), []byte("v1"), 512),
		testutil.NewRecord("host1", "/docs/report.TXT", time.Unix(1700000100, 0), []byte("v2"), 512),
		testutil.NewRecord("host1", "/docs/photo.jpg", time.Unix(1700000000, 0), []byte("jpg"), 512),
		testutil.NewRecord("host2", "/docs/report.txt", time.Unix(1700000000, 0), []byte("x"), 512),
	} {
		f.post(t, "/Meta.json", r)
	}
	f.flush(t)

	q := url.Values{
		"hostname": {"host1"},
		"uid":      {"1000"},
		"gid":      {"1000"},
		"owner":    {"alice"},
		"group":    {"staff"},
		"filename": {base64.StdEncoding.EncodeToString([]byte(`report\.txt$`))},
	}
	var list struct {
		FileList []cdp.HostFileRecord `json:"file_list"`
	}
	decode(t, f.get(t, "/File/List.json?"+q.Encode(), nil), &list)
	if len(list.FileList) != 2 {
		t.Fatalf("file_list has %d records, want 2", len(list.FileList))
	}
	for _, r := range list.FileList {
		if r.Hostname != "host1" || r.Name != "/docs/report.TXT" {
			t.Errorf("unexpected record %s:%s", r.Hostname, r.Name)
		}
	}

	q.Set("filename", base64.StdEncoding.EncodeToString([]byte("nothing-matches")))
	body := f.get(t, "/File/List.json?"+q.Encode(), nil)
	if string(body) != `{"file_list":[]}` {
		t.Errorf("empty listing = %s, want {\"file_list\":[]}", body)
	}
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t)
	absent := cdp.Sum([]byte("absent")).String()

	var batch []string
	for i := range cdp.MaxFetchBatch + 1 {
		batch = append(batch, cdp.Sum([]byte(strconv.Itoa(i))).Base64())
	}
	firstInBatch := cdp.Sum([]byte("0")).String()

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		header  http.Header
		wantKey string
		want    any
	}{
		{
			name: "short hash", method: "GET", path: "/Data/abc",
			wantKey: "Invalid url: in /Data/abc hash has length", want: float64(3),
		},
		{
			name: "bad charset", method: "GET", path: "/Data/" + strings.Repeat("z", 64),
			wantKey: "Invalid url", want: "/Data/" + strings.Repeat("z", 64),
		},
		{
			name: "chunk not found", method: "GET", path: "/Data/" + absent,
			wantKey: "Chunk not found", want: absent,
		},
		{
			name: "batch chunk not found", method: "GET", path: "/Data/Hash_Array.json",
			header:  http.Header{server.HashArrayHeader: {cdp.Sum([]byte("absent")).Base64()}},
			wantKey: "Chunk not found", want: absent,
		},
		{
			name: "batch of the largest size is served", method: "GET", path: "/Data/Hash_Array.json",
			header:  http.Header{server.HashArrayHeader: {strings.Join(batch[:cdp.MaxFetchBatch], ",")}},
			wantKey: "Chunk not found", want: firstInBatch,
		},
		{
			name: "batch over the largest size", method: "GET", path: "/Data/Hash_Array.json",
			header:  http.Header{server.HashArrayHeader: {strings.Join(batch, ",")}},
			wantKey: "Malformed request", want: "129 hashes requested, at most 128 allowed",
		},
		{
			name: "unknown url", method: "GET", path: "/Nope",
			wantKey: "Invalid url", want: "/Nope",
		},
		{
			name: "unknown post url", method: "POST", path: "/Nope.json", body: "{}",
			wantKey: "Invalid url", want: "/Nope.json",
		},
		{
			name: "malformed list", method: "GET", path: "/File/List.json?hostname=h&uid=1",
			wantKey: "Malformed request", want: "hostname: h, uid: 1, gid: , owner: , group: ",
		},
		{
			name: "malformed json", method: "POST", path: "/Meta.json", body: "{not json",
			wantKey: "Malformed json",
		},
		{
			name: "invalid record", method: "POST", path: "/Meta.json", body: `{"hostname":"h","name":"","filetype":1}`,
			wantKey: "Invalid record",
		},
		{
			name: "invalid chunk", method: "POST", path: "/Data.json",
			body: cdp.ChunkDescriptor{
				Hash: cdp.Sum([]byte("other")), Data: []byte("data"), Size: 4, UncmpSize: 4,
			},
			wantKey: "Invalid chunk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body []byte
			if tt.method == "GET" {
				body = f.get(t, tt.path, tt.header)
			} else {
				body = f.post(t, tt.path, tt.body)
			}

			var got map[string]any
			decode(t, body, &got)
			v, ok := got[tt.wantKey]
			if !ok {
				t.Fatalf("body %s lacks key %q", body, tt.wantKey)
			}
			if tt.want != nil && v != tt.want {
				t.Errorf("%q = %v, want %v", tt.wantKey, v, tt.want)
			}
		})
	}

	var stats struct {
		Requests struct {
			Unknown uint64 `json:"unknown"`
		} `json:"requests"`
	}
	decode(t, f.get(t, "/Stats.json", nil), &stats)
	if stats.Requests.Unknown != 2 {
		t.Errorf("requests.unknown = %d, want 2", stats.Requests.Unknown)
	}
	if recs, chunks := f.pipeline.Len(); recs+chunks != 0 {
		t.Errorf("errors queued %d records and %d chunks", recs, chunks)
	}
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/Version", nil)

	body := string(f.get(t, "/metrics", nil))
	for _, want := range []string{
		"cdp_queue_chunks 0",
		"cdp_queue_records 0",
		"cdp_dedup_files_total 0",
		`cdp_http_requests_total{method="GET",route="/Version",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics lacks %q", want)
		}
	}
}

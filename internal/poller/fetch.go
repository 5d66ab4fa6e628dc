package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var ErrMalformedPayload = errors.New("poller: response has no DATA array")

// StatusError is returned for non-2xx endpoint responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("endpoint returned status %d", e.Code) }

// IsEndpointInvalid reports whether err suggests the captured URL is no
// longer served: a 404 or a refused connection.
func IsEndpointInvalid(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Fetcher loads the current records from the endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]Record, error)
}

// Fields names the DATA entry keys the poller inspects.
type Fields struct {
	ID       string
	Start    string
	Location string
}

var DefaultFields = Fields{ID: "recordId", Start: "matchWindowStart", Location: "locationTag"}

// HTTPFetcher GETs the endpoint and decodes `{"DATA": [...]}`.
type HTTPFetcher struct {
	Client   *http.Client
	Fields   Fields
	Location *time.Location // for timestamps without a zone
}

func NewHTTPFetcher(fields Fields, loc *time.Location) *HTTPFetcher {
	if loc == nil {
		loc = time.UTC
	}
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: 15 * time.Second},
		Fields:   fields,
		Location: loc,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, endpoint string) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("accept", "application/json, text/plain, */*")
	req.Header.Add("cache-control", "no-cache")
	req.Header.Add("user-agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, &StatusError{Code: res.StatusCode}
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	return f.Decode(b)
}

// Decode parses a response body into records.
func (f *HTTPFetcher) Decode(b []byte) ([]Record, error) {
	var env struct {
		Data json.RawMessage `json:"DATA"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(env.Data) == 0 || env.Data[0] != '[' {
		return nil, ErrMalformedPayload
	}
	var entries []map[string]any
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	fields := f.Fields
	if fields == (Fields{}) {
		fields = DefaultFields
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		out = append(out, Record{
			ID:          stringField(e[fields.ID]),
			WindowStart: parseWhen(e[fields.Start], loc),
			Location:    stringField(e[fields.Location]),
			Raw:         e,
		})
	}
	return out, nil
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

var layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"January, 02 2006 15:04:05",
	"02-01-2006 15:04",
	"02/01/2006 15:04",
}

// parseWhen accepts the handful of timestamp shapes seen on the endpoint,
// plus epoch milliseconds. Unparsable values yield the zero time.
func parseWhen(v any, loc *time.Location) time.Time {
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t)).In(loc)
	case string:
		s := strings.TrimSpace(t)
		for _, l := range layouts {
			if ts, err := time.ParseInLocation(l, s, loc); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher performs one fetch of the full current courier list.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// FetchError is a failed poll attempt. Generation is the scheduler tick the
// attempt belonged to; it is zero when the error leaves a fetcher directly.
type FetchError struct {
	Generation uint64
	Cause      error
}

func (e *FetchError) Error() string {
	if e.Generation == 0 {
		return fmt.Sprintf("fetch couriers: %v", e.Cause)
	}
	return fmt.Sprintf("fetch couriers (generation %d): %v", e.Generation, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// StatusError is returned when the courier API answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("courier api http status %d: %s", e.Code, e.Body)
}

// HTTPFetcher reads GET {baseURL}/couriers as a JSON array of couriers.
type HTTPFetcher struct {
	url        string
	httpClient *http.Client
	tracer     trace.Tracer
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:        strings.TrimRight(baseURL, "/") + "/couriers",
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("courier-map/courier"),
	}
}

// URL returns the endpoint the fetcher polls.
func (f *HTTPFetcher) URL() string { return f.url }

func (f *HTTPFetcher) Fetch(ctx context.Context) (_ Snapshot, err error) {
	ctx, span := f.tracer.Start(ctx, "courier.fetch", trace.WithAttributes(
		attribute.String("http.url", f.url),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &FetchError{Cause: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Cause: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{Cause: &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(b)),
		}}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Cause: fmt.Errorf("read body: %w", err)}
	}
	couriers, err := DecodeSnapshot(body)
	if err != nil {
		return nil, &FetchError{Cause: err}
	}
	span.SetAttributes(attribute.Int("couriers.count", len(couriers)))
	return couriers, nil
}

type wireLocation struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type wireCourier struct {
	ID      *int          `json:"id"`
	Origin  *wireLocation `json:"origin"`
	Destiny *wireLocation `json:"destiny"`
	Current *wireLocation `json:"current"`
}

// DecodeSnapshot parses a courier list. Any entry with a missing or mistyped
// field fails the whole payload; no partial list is returned.
func DecodeSnapshot(body []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	var raw []*wireCourier
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode courier list: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode courier list: unexpected data after array")
	}
	if raw == nil {
		return nil, errors.New("decode courier list: payload is not an array")
	}

	out := make(Snapshot, 0, len(raw))
	for i, w := range raw {
		if w == nil || w.ID == nil {
			return nil, fmt.Errorf("decode courier list: entry %d: missing id", i)
		}
		origin, err := w.Origin.location()
		if err != nil {
			return nil, fmt.Errorf("decode courier list: entry %d origin: %w", i, err)
		}
		destiny, err := w.Destiny.location()
		if err != nil {
			return nil, fmt.Errorf("decode courier list: entry %d destiny: %w", i, err)
		}
		current, err := w.Current.location()
		if err != nil {
			return nil, fmt.Errorf("decode courier list: entry %d current: %w", i, err)
		}
		out = append(out, Courier{
			ID:      *w.ID,
			Origin:  origin,
			Destiny: destiny,
			Current: current,
		})
	}
	return out, nil
}

func (w *wireLocation) location() (Location, error) {
	if w == nil {
		return Location{}, errors.New("missing location")
	}
	if w.Lat == nil || w.Lon == nil {
		return Location{}, errors.New("missing lat/lon")
	}
	return Location{Lat: *w.Lat, Lon: *w.Lon}, nil
}

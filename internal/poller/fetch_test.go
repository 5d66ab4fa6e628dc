package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherDecodesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"DATA":[
			{"recordId":"OID-1","matchWindowStart":"2026-11-03 09:30:00","locationTag":"Chennai","fee":1500},
			{"matchWindowStart":"2026-11-03T10:00:00+05:30","locationTag":"Pune"},
			{"recordId":42,"matchWindowStart":1793698200000,"locationTag":"Delhi"},
			null
		]}`)
	}))
	defer srv.Close()

	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	f := NewHTTPFetcher(DefaultFields, ist)

	recs, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "OID-1", recs[0].ID)
	assert.Equal(t, "Chennai", recs[0].Location)
	assert.True(t, recs[0].WindowStart.Equal(time.Date(2026, 11, 3, 9, 30, 0, 0, ist)))
	assert.EqualValues(t, 1500, recs[0].Raw["fee"])

	assert.Empty(t, recs[1].ID)
	assert.True(t, recs[1].WindowStart.Equal(time.Date(2026, 11, 3, 10, 0, 0, 0, ist)))

	assert.Equal(t, "42", recs[2].ID)
	assert.Equal(t, int64(1793698200000), recs[2].WindowStart.UnixMilli())
}

func TestHTTPFetcherCustomFields(t *testing.T) {
	f := NewHTTPFetcher(Fields{ID: "OID", Start: "EXAMDATE", Location: "VENUE"}, nil)
	recs, err := f.Decode([]byte(`{"DATA":[{"OID":"x1","EXAMDATE":"November, 03 2026 09:30:00","VENUE":"Kochi"}]}`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "x1", recs[0].ID)
	assert.Equal(t, "Kochi", recs[0].Location)
	assert.True(t, recs[0].WindowStart.Equal(target))
}

func TestDecodeRejectsMissingData(t *testing.T) {
	f := NewHTTPFetcher(DefaultFields, nil)
	for _, body := range []string{`{}`, `{"DATA":null}`, `{"DATA":{"a":1}}`, `{"DATA":"x"}`, `not json`} {
		_, err := f.Decode([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedPayload, body)
	}
	recs, err := f.Decode([]byte(`{"DATA":[]}`))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPFetcher(DefaultFields, nil).Fetch(context.Background(), srv.URL)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.True(t, IsEndpointInvalid(err))
}

func TestIsEndpointInvalidConnectionRefused(t *testing.T) {
	// grab a free port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewHTTPFetcher(DefaultFields, nil).Fetch(context.Background(), "http://"+addr+"/api")
	require.Error(t, err)
	assert.True(t, IsEndpointInvalid(err))
}

func TestIsEndpointInvalid(t *testing.T) {
	assert.False(t, IsEndpointInvalid(&StatusError{Code: 500}))
	assert.False(t, IsEndpointInvalid(errors.New("timeout")))
	assert.False(t, IsEndpointInvalid(ErrMalformedPayload))
}

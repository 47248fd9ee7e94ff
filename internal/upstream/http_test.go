package upstream_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/irobot-precache/internal/upstream"
	"github.com/wtsi-hgi/irobot-precache/internal/upstream/upstreamtest"
)

func TestFetchMetadataRoundTrips(t *testing.T) {
	fake := upstreamtest.New()
	defer fake.Close()

	fake.Put("/zone/a", &upstreamtest.Object{
		Data:      []byte("hello world"),
		CreatedTS: time.Unix(1000, 0),
		AVUs:      []upstreamtest.AVU{{Attribute: "type", Value: "file", Unit: ""}},
	})

	gw := upstream.New(fake.URL(), 4, 5*time.Second)
	md, err := gw.FetchMetadata(context.Background(), "/zone/a")
	require.NoError(t, err)

	assert.Equal(t, int64(len("hello world")), md.Size)
	assert.NotEmpty(t, md.Checksum)
	require.Len(t, md.AVUs, 1)
	assert.Equal(t, "type", md.AVUs[0].Attribute)
}

func TestFetchMetadataNotFound(t *testing.T) {
	fake := upstreamtest.New()
	defer fake.Close()

	gw := upstream.New(fake.URL(), 4, 5*time.Second)
	_, err := gw.FetchMetadata(context.Background(), "/zone/missing")
	assert.ErrorIs(t, err, upstream.ErrNotFound)
}

func TestFetchMetadataForbidden(t *testing.T) {
	fake := upstreamtest.New()
	defer fake.Close()
	fake.Put("/zone/secret", &upstreamtest.Object{Forbidden: true})

	gw := upstream.New(fake.URL(), 4, 5*time.Second)
	_, err := gw.FetchMetadata(context.Background(), "/zone/secret")
	assert.ErrorIs(t, err, upstream.ErrForbidden)
}

func TestFetchDataStreamsAndReportsBytes(t *testing.T) {
	fake := upstreamtest.New()
	defer fake.Close()
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("0123456789")})

	gw := upstream.New(fake.URL(), 4, 5*time.Second)

	var total int64
	var buf bytes.Buffer
	err := gw.FetchData(context.Background(), "/zone/a", &buf, func(n int64) { total += n })
	require.NoError(t, err)

	assert.Equal(t, "0123456789", buf.String())
	assert.Equal(t, int64(10), total)
}

func TestChecksumMatchesData(t *testing.T) {
	fake := upstreamtest.New()
	defer fake.Close()
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("payload")})

	gw := upstream.New(fake.URL(), 4, 5*time.Second)
	sum, err := gw.Checksum(context.Background(), "/zone/a")
	require.NoError(t, err)
	assert.NotEmpty(t, sum)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	fake := upstreamtest.New()
	defer fake.Close()
	fake.Put("/zone/a", &upstreamtest.Object{Data: []byte("x")})

	gw := upstream.New(fake.URL(), 1, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.FetchMetadata(ctx, "/zone/a")
	assert.True(t, errors.Is(err, context.Canceled) || err != nil)
}

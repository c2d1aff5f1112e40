package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderRequiresTLSEngine(t *testing.T) {
	_, err := NewBuilder().Build()
	require.Error(t, err)
	assert.Equal(t, InvalidArgument, err.(*Error).Kind)
}

func TestBuilderRejectsVersionBelowMinimum(t *testing.T) {
	b := NewBuilder().WithVersion(VersionDraft17)
	_, err := b.Build()
	require.Error(t, err)
	assert.Equal(t, InvalidArgument, err.(*Error).Kind)
}

func TestBuilderRejectsConnectionIDLengthOutOfRange(t *testing.T) {
	_, err := NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithConnectionIDLength(21).Build()
	require.Error(t, err)
	assert.Equal(t, InvalidArgument, err.(*Error).Kind)

	_, err = NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithConnectionIDLength(-1).Build()
	require.Error(t, err)
}

func TestBuilderAcceptsConnectionIDLengthInRange(t *testing.T) {
	cfg, err := NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithConnectionIDLength(0).Build()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.CIDLength)

	cfg, err = NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithConnectionIDLength(20).Build()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.CIDLength)
}

func TestBuilderWithURIRequiresPort(t *testing.T) {
	_, err := NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithURI("example.com").Build()
	require.Error(t, err)
	assert.Equal(t, InvalidArgument, err.(*Error).Kind)

	cfg, err := NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithURI("example.com:443").Build()
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", cfg.Addr)
}

func TestBuilderWithLoggerStoresSink(t *testing.T) {
	sink := NewQlogSink()
	cfg, err := NewBuilder().WithTLSEngine(&fakeTLSEngine{}).WithLogger(sink).Build()
	require.NoError(t, err)
	assert.Same(t, sink, cfg.Sink)
}

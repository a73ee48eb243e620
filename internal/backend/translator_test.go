package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nmterrors "nmtwizard/internal/errors"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    Options
		wantErr bool
	}{
		{name: "empty", input: nil, want: Options{}},
		{
			name:  "all options",
			input: map[string]any{"beam_size": float64(5), "num_hypotheses": 2, "max_length": int64(200)},
			want:  Options{BeamSize: 5, NumHypotheses: 2, MaxLength: 200},
		},
		{name: "negative", input: map[string]any{"beam_size": -1}, wantErr: true},
		{name: "fractional", input: map[string]any{"beam_size": 1.5}, wantErr: true},
		{name: "string", input: map[string]any{"max_length": "10"}, wantErr: true},
		{name: "unknown", input: map[string]any{"temperature": 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOptions(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, nmterrors.ErrRequestInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsN(t *testing.T) {
	assert.Equal(t, 1, Options{}.N())
	assert.Equal(t, 3, Options{NumHypotheses: 3}.N())
}

func TestNew(t *testing.T) {
	tr, err := New(&Config{Kind: KindEcho})
	require.NoError(t, err)
	assert.IsType(t, &EchoTranslator{}, tr)

	tr, err = New(&Config{Kind: KindREST, Address: "http://localhost:8501", ModelName: "m", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &RESTTranslator{}, tr)

	tr, err = New(&Config{Kind: KindGRPC, Address: "localhost:9000", ModelName: "m", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &GRPCTranslator{}, tr)
	require.NoError(t, tr.Close())

	_, err = New(&Config{Kind: "ctranslate"})
	assert.True(t, errors.Is(err, nmterrors.ErrConfigValidation))

	_, err = New(&Config{Kind: KindREST, Timeout: time.Second})
	assert.True(t, errors.Is(err, nmterrors.ErrConfigValidation))
}

func TestEchoTranslator(t *testing.T) {
	tr := NewEchoTranslator()
	require.NoError(t, tr.Ready(context.Background()))

	out, err := tr.Translate(context.Background(), []*TranslationInput{
		{Tokens: []string{"a", "b"}},
		{Tokens: []string{"c"}, TargetPrefix: []string{"X"}},
	}, Options{NumHypotheses: 3})
	require.NoError(t, err)
	assert.Equal(t, [][]Hypothesis{
		{{Tokens: []string{"a", "b"}}},
		{{Tokens: []string{"X"}}},
	}, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Translate(ctx, []*TranslationInput{{Tokens: []string{"a"}}}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

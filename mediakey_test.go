package mediaingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMediaKey(t *testing.T) {
	require.Equal(t, "media_42_351912345678", MediaKey("42", "351912345678"))
}

func TestParseMediaKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		mediaID string
		from    string
		wantErr bool
	}{
		{name: "simple", key: "media_42_351912345678", mediaID: "42", from: "351912345678"},
		{name: "id with underscore", key: "media_wamid_abc_351900000000", mediaID: "wamid_abc", from: "351900000000"},
		{name: "missing prefix", key: "doc_42_351", wantErr: true},
		{name: "missing sender", key: "media_42_", wantErr: true},
		{name: "no separator", key: "media_42", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, from, err := ParseMediaKey(tt.key)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMediaKey)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.mediaID, id)
			require.Equal(t, tt.from, from)
			require.Equal(t, tt.key, MediaKey(id, from))
		})
	}
}

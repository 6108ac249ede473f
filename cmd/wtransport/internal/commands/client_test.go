package commands

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
)

func TestParseFingerprints(t *testing.T) {
	digest := strings.Repeat("AB:", 31) + "AB"

	tests := []struct {
		name    string
		values  []string
		want    int
		wantErr error
	}{
		{name: "none", want: 0},
		{name: "explicit algorithm", values: []string{"sha-256=" + digest}, want: 1},
		{name: "implicit algorithm", values: []string{strings.ReplaceAll(digest, ":", "")}, want: 1},
		{name: "two", values: []string{digest, "sha256=" + digest}, want: 2},
		{name: "unknown algorithm", values: []string{"md5=" + digest}, wantErr: fingerprint.ErrUnsupportedAlgorithm},
		{name: "bad hex", values: []string{"sha-256=zz"}, wantErr: fingerprint.ErrInvalidDigest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := parseFingerprints(tt.values)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, records, tt.want)
			for _, rec := range records {
				require.Equal(t, fingerprint.SHA256, rec.Algorithm)
				require.Equal(t, digest, rec.Hex())
			}
		})
	}
}

package syncmft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFoldersPathFromRsyncURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantFail bool
		expected string
	}{
		{
			name:     "Valid URL",
			url:      "rsync://r.magellan.ipxo.com/repo",
			wantFail: false,
			expected: "r.magellan.ipxo.com/repo",
		},
		{
			name:     "Invalid URL",
			url:      "xxxx://r.magellan.ipxo.com/repo",
			wantFail: true,
		},
		{
			name:     "Valid URL with file",
			url:      "rsync://r.magellan.ipxo.com/repo/foo.roa",
			wantFail: false,
			expected: "r.magellan.ipxo.com/repo",
		},
	}

	for _, test := range tests {
		res, err := ExtractFoldersPathFromRsyncURL(test.url)
		if test.wantFail && err == nil {
			t.Errorf("unexpected success for %q", test.name)
			continue
		}

		if !test.wantFail && err != nil {
			t.Errorf("unexpected error for %q: %v", test.name, err)
			continue
		}

		assert.Equal(t, test.expected, res, test.name)
	}
}

func TestGetMatch(t *testing.T) {
	assert.True(t, GetMatch("repo/aaaaa.cer"))
	assert.True(t, GetMatch("repo/root.mft"))
	assert.True(t, GetMatch("repo/aaaaa.crl"))
	assert.True(t, GetMatch("repo/fffff.roa"))
	assert.True(t, GetMatch("repo/ggggg.gbr"))
	assert.False(t, GetMatch("repo/notes.txt"))
	assert.False(t, GetMatch("sending incremental file list"))
}

func TestFilterMatch(t *testing.T) {
	file, deleted, err := FilterMatch("deleting repo/aaaaa.cer")
	assert.Nil(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "repo/aaaaa.cer", file)

	file, deleted, err = FilterMatch("repo/aaaaa.cer")
	assert.Nil(t, err)
	assert.False(t, deleted)
	assert.Equal(t, "repo/aaaaa.cer", file)
}

func TestRunRsyncMissingBinary(t *testing.T) {
	rsync := &RsyncSystem{}
	_, err := rsync.RunRsync(context.Background(), "rsync://lambda/module/", "", "/tmp/cache")
	assert.NotNil(t, err)

	_, err = rsync.RunRsync(context.Background(), "not-an-uri", "rsync", "/tmp/cache")
	assert.NotNil(t, err)
}

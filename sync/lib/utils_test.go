package syncmft

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRsyncDomainModule(t *testing.T) {
	base, rest, err := ExtractRsyncDomainModule("rsync://lambda/module/sub/root.mft")
	assert.Nil(t, err)
	assert.Equal(t, "rsync://lambda/module", base)
	assert.Equal(t, "sub/root.mft", rest)

	_, _, err = ExtractRsyncDomainModule("https://lambda/module")
	assert.NotNil(t, err)

	_, _, err = ExtractRsyncDomainModule("rsync://lambda")
	assert.NotNil(t, err)
}

func TestReduceMap(t *testing.T) {
	m := make(map[string]SubMap)
	AddInMap("rsync://lambda/module/aaaaa.cer", m)
	AddInMap("rsync://lambda/module/root.mft", m)
	AddInMap("rsync://omega/repo/sub/root.mft", m)
	AddInMap("https://ignored/entirely", m)

	// lambda/module branches so it reduces to the directory; the omega
	// chain never branches and drills down to its terminal path.
	reduced := ReduceMap(m)
	assert.ElementsMatch(t, []string{
		"rsync://lambda/module",
		"rsync://omega/repo/sub/root.mft",
	}, reduced)
}

func TestReduceMapChain(t *testing.T) {
	m := make(map[string]SubMap)
	AddInMap("rsync://lambda/a/b/c/root.mft", m)

	// A single chain with no branching reduces to the terminal path.
	reduced := ReduceMap(m)
	assert.Equal(t, []string{"rsync://lambda/a/b/c/root.mft"}, reduced)
}

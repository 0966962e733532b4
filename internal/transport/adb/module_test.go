package adb

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

func TestRequirementsPinRealCommits(t *testing.T) {
	data, err := os.ReadFile("../../../go.mod")
	require.NoError(t, err)
	f, err := modfile.Parse("go.mod", data, nil)
	require.NoError(t, err)

	for _, r := range f.Require {
		if !module.IsPseudoVersion(r.Mod.Version) {
			continue
		}
		rev, err := module.PseudoVersionRev(r.Mod.Version)
		require.NoError(t, err, r.Mod.Path)
		assert.NotEqual(t, strings.Repeat("0", len(rev)), rev, "%s pins a placeholder revision", r.Mod.Path)
	}
}

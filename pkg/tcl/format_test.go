package tcl

import (
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcesAreGofmted(t *testing.T) {

	files, err := filepath.Glob("*.go")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}

		src, err := os.ReadFile(file)
		require.NoError(t, err)

		formatted, err := format.Source(src)
		require.NoError(t, err, file)
		assert.Equal(t, string(formatted), string(src), "%s is not gofmt formatted", file)
	}
}

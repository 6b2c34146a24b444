package progress_test

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/peftmerge/peftmerge/merge"
	"github.com/peftmerge/peftmerge/progress"
)

// Bar.Set is handed to the merge engine directly; this fails to build
// if the two signatures drift apart.
var _ = merge.Config{Progress: (*progress.Bar)(nil).Set}

func TestBarSilentWithoutTTY(t *testing.T) {
	var buf bytes.Buffer

	bar := progress.NewBar(&buf, "merging", 3)
	bar.Set("a", 1, 3)
	bar.Set("b", 2, 3)
	bar.Done()

	assert.Equal(t, buf.Len(), 0, "non-terminal writers stay silent")
}

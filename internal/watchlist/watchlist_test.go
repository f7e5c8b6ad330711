package watchlist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/models"
)

func TestParse(t *testing.T) {
	src := `# generated
4.1!38447:RELIND

  4.1!1594 : INFTEC
no-colon-here
:EMPTYTOKEN
4.1!3499:TATSTE:EXTRA
`
	w, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, []models.WatchEntry{
		{Token: "4.1!38447", Symbol: "RELIND"},
		{Token: "4.1!1594", Symbol: "INFTEC"},
		{Token: "4.1!3499", Symbol: "TATSTE:EXTRA"},
	}, w.Entries())

	sym, ok := w.Symbol("4.1!1594")
	assert.True(t, ok)
	assert.Equal(t, "INFTEC", sym)

	_, ok = w.Symbol("unknown")
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}

func TestDuplicateTokenKeepsPosition(t *testing.T) {
	w := New([]models.WatchEntry{{Token: "1", Symbol: "A"}, {Token: "2", Symbol: "B"}, {Token: "1", Symbol: "C"}})
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, []models.WatchEntry{{Token: "1", Symbol: "C"}, {Token: "2", Symbol: "B"}}, w.Entries())
}

func TestWriteRoundTrip(t *testing.T) {
	w := FromContracts(map[string]models.Contract{
		"TCS":    {Symbol: "TCS", Token: "11536"},
		"RELIND": {Symbol: "RELIND", Token: "38447"},
	})
	path := filepath.Join(t.TempDir(), "watchlist.txt")
	require.NoError(t, w.Write(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# token:symbol\n38447:RELIND\n11536:TCS\n", string(raw))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, w.Entries(), back.Entries())
}

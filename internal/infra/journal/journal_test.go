package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func TestJournal_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.wal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append("deposit", event{AccountID: "a", Amount: 100}))
	require.NoError(t, j.Append("withdrawal", event{AccountID: "a", Amount: 40}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(2), j.Seq())

	var got []Record
	require.NoError(t, j.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "deposit", got[0].Type)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, "withdrawal", got[1].Type)

	var ev event
	require.NoError(t, json.Unmarshal(got[1].Data, &ev))
	assert.Equal(t, int64(40), ev.Amount)
}

func TestJournal_SequenceContinuesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.wal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append("a", event{}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Append("b", event{}))
	assert.Equal(t, uint64(2), j.Seq())
}

func TestJournal_TornTailIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.wal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append("deposit", event{AccountID: "a", Amount: 1}))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"depo`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.Seq())
}

func TestJournal_AppendAfterTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.wal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append("deposit", event{AccountID: "a", Amount: 1}))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append("deposit", event{AccountID: "a", Amount: 2}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	var amounts []int64
	require.NoError(t, j.Replay(func(r Record) error {
		var ev event
		if err := json.Unmarshal(r.Data, &ev); err != nil {
			return err
		}
		amounts = append(amounts, ev.Amount)
		return nil
	}))
	assert.Equal(t, []int64{1, 2}, amounts)
}

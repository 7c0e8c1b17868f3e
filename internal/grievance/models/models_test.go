package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDoc_ScanString(t *testing.T) {
	// sqlite TEXT columns arrive as string through database/sql.
	var d JSONDoc
	require.NoError(t, d.Scan(`[{"attempt":0}]`))
	assert.Equal(t, JSONDoc(`[{"attempt":0}]`), d)
}

func TestJSONDoc_ScanBytesAndNil(t *testing.T) {
	var d JSONDoc
	require.NoError(t, d.Scan([]byte(`{"id":"GR-1"}`)))
	assert.Equal(t, JSONDoc(`{"id":"GR-1"}`), d)

	require.NoError(t, d.Scan(nil))
	assert.Nil(t, []byte(d))

	assert.Error(t, d.Scan(42))
}

func TestJSONDoc_ValueRoundTrip(t *testing.T) {
	v, err := JSONDoc(`{"k":1}`).Value()
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, v)

	v, err = JSONDoc(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestJSONDoc_JSONPassthrough(t *testing.T) {
	rec := TaskRecord{RetryHistory: JSONDoc(`[{"attempt":0}]`)}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var out TaskRecord
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.JSONEq(t, `[{"attempt":0}]`, string(out.RetryHistory))
}

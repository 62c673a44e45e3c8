package readers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CsvFileReader_ReadSegments(t *testing.T) {
	csv := "name,comment,score\n" +
		"alice,this product arrived broken,1\n" +
		"bob,ok,5\n" +
		"carol,,\n" +
		"\"dave\",\"great value, would buy again\",5\n"

	r := CsvFileReader{}
	segs, err := r.ReadSegments(writeFile(t, "reviews.csv", csv))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"alice this product arrived broken 1",
		"dave great value, would buy again 5",
	}, segs)
}

func Test_CsvFileReader_Empty(t *testing.T) {
	r := CsvFileReader{}
	segs, err := r.ReadSegments(writeFile(t, "empty.csv", ""))
	require.NoError(t, err)
	assert.Empty(t, segs)
}

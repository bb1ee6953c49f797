package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"中文按字", "数据库", []string{"数", "据", "库"}},
		{"中英混排", "MySQL数据库v8", []string{"mysql", "数", "据", "库", "v8"}},
		{"标点分隔", "hello, world!", []string{"hello", "world"}},
		{"空串", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Terms(tt.in))
		})
	}
}

func TestQueryGroups(t *testing.T) {
	got := QueryGroups("数据库 巡检，数据库 API")
	assert.Equal(t, [][]string{{"数", "据", "库"}, {"巡", "检"}, {"api"}}, got)
	assert.Empty(t, QueryGroups(" ,.。"))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(0), Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float32(0), Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	got, err := decodeVector(encodeVector(v))
	assert.NoError(t, err)
	assert.Equal(t, v, got)
	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

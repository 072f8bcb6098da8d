package pagination

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		query string
		opts  []Option
		want  Params
	}{
		{
			name:  "defaults",
			query: "",
			want:  Params{Page: 1, Limit: 20, Offset: 0, Sort: "newest"},
		},
		{
			name:  "explicit values",
			query: "page=3&limit=10&sort=oldest&show_new=true",
			want:  Params{Page: 3, Limit: 10, Offset: 20, Sort: "oldest", ShowNew: true},
		},
		{
			name:  "limit capped",
			query: "limit=500",
			want:  Params{Page: 1, Limit: MaxLimit, Offset: 0, Sort: "newest"},
		},
		{
			name:  "invalid values ignored",
			query: "page=-2&limit=abc&sort=random&show_new=maybe",
			want:  Params{Page: 1, Limit: 20, Offset: 0, Sort: "newest"},
		},
		{
			name:  "options",
			query: "page=2",
			opts:  []Option{WithDefaultLimit(5), WithDefaultSort("asc"), WithDefaultSort("bogus")},
			want:  Params{Page: 2, Limit: 5, Offset: 5, Sort: "asc"},
		},
		{
			name:  "show_new numeric",
			query: "show_new=1",
			want:  Params{Page: 1, Limit: 20, Sort: "newest", ShowNew: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, Parse(q, tt.opts...))
		})
	}
}

func TestParams_HasNextAndTotalPages(t *testing.T) {
	p := Params{Page: 2, Limit: 10, Offset: 10}

	assert.True(t, p.HasNext(21))
	assert.False(t, p.HasNext(20))
	assert.Equal(t, 3, p.TotalPages(21))
	assert.Equal(t, 2, p.TotalPages(20))
	assert.Equal(t, 1, p.TotalPages(0))
}

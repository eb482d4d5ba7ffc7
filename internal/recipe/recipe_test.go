package recipe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.Example.com/recipes/soup/", "https://example.com/recipes/soup"},
		{"http://example.com:80/a?b=2&a=1#step-3", "https://example.com/a?a=1&b=2"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
		{"https://example.com/a?utm_source=x&utm_medium=y&id=7&fbclid=z", "https://example.com/a?id=7"},
		{"https://example.com/", "https://example.com"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeURLRejectsBadInput(t *testing.T) {
	for _, in := range []string{"ftp://example.com/x", "file:///etc/passwd", "https://", "not a url"} {
		_, err := NormalizeURL(in)
		assert.Error(t, err, in)
	}
}

func TestHashURLIgnoresTrackingParams(t *testing.T) {
	a, err := HashURL("https://www.example.com/recipes/pho?utm_source=newsletter&utm_campaign=fall")
	require.NoError(t, err)
	b, err := HashURL("https://example.com/recipes/pho")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := HashURL("https://example.com/recipes/ramen")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT30M", 30 * time.Minute},
		{"PT1H15M", 75 * time.Minute},
		{"P1DT2H", 26 * time.Hour},
		{"pt45s", 45 * time.Second},
		{"PT0.5H", 30 * time.Minute},
		{"20m", 20 * time.Minute},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, time.Duration(got), tt.in)
	}

	for _, in := range []string{"P", "PT", "PTXM", "soon"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestDurationJSON(t *testing.T) {
	c := Content{Name: "x", CookTime: Duration(90 * time.Minute)}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cook_time":"PT1H30M"`)
	assert.NotContains(t, string(data), "prep_time")

	var back Content
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c.CookTime, back.CookTime)
}

func validContent() Content {
	return Content{
		Name:         "Tomato Soup",
		Description:  "A quick soup.",
		Yield:        "4 servings",
		PrepTime:     Duration(10 * time.Minute),
		CookTime:     Duration(20 * time.Minute),
		TotalTime:    Duration(30 * time.Minute),
		Ingredients:  []Ingredient{{Text: "1 kg tomatoes"}, {Text: "1 onion"}},
		Instructions: []Step{{Text: "Chop everything."}, {Text: "Simmer for 20 minutes."}},
	}
}

func TestValidateValid(t *testing.T) {
	r := Validate(validContent())
	assert.True(t, r.IsValid())
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidateErrors(t *testing.T) {
	c := validContent()
	c.Name = " "
	c.Ingredients = nil
	c.Instructions = []Step{{Text: ""}}

	r := Validate(c)
	assert.False(t, r.IsValid())

	fields := map[string]bool{}
	for _, e := range r.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["name"])
	assert.True(t, fields["ingredients"])
	assert.True(t, fields["instructions[0]"])
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	c := validContent()
	c.Description = ""
	c.Yield = ""
	c.TotalTime = Duration(5 * time.Minute)

	r := Validate(c)
	assert.True(t, r.IsValid())
	assert.Len(t, r.Warnings, 3)
}

func TestThresholdsClassify(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, LevelOK, th.Classify(10, 0.05))
	assert.Equal(t, LevelWarn, th.Classify(40, 0.05))
	assert.Equal(t, LevelWarn, th.Classify(0, 0.20))
	assert.Equal(t, LevelBlock, th.Classify(80, 0))
	assert.Equal(t, LevelBlock, th.Classify(0, 0.35))
}

func TestContentComplete(t *testing.T) {
	assert.True(t, validContent().Complete())
	c := validContent()
	c.Instructions = nil
	assert.False(t, c.Complete())
}

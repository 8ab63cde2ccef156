package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docsSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "title", Type: TypeText, Indexed: true, Stored: true},
		{Name: "id", Type: TypeInteger, Indexed: true, Stored: true},
	}}
}

func TestFieldJSONDefaults(t *testing.T) {
	var s Schema
	require.NoError(t, json.Unmarshal([]byte(`{"fields":[{"name":"title","type":"text"},{"name":"n","type":"integer","stored":false}]}`), &s))

	require.Len(t, s.Fields, 2)
	assert.True(t, s.Fields[0].Indexed)
	assert.True(t, s.Fields[0].Stored)
	assert.True(t, s.Fields[1].Indexed)
	assert.False(t, s.Fields[1].Stored)
	require.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		field  string
	}{
		{"empty", Schema{}, ""},
		{"duplicate", Schema{Fields: []Field{{Name: "a", Type: TypeText, Indexed: true}, {Name: "a", Type: TypeText, Indexed: true}}}, "a"},
		{"bad type", Schema{Fields: []Field{{Name: "a", Type: "blob", Indexed: true}}}, "a"},
		{"tokenizer on int", Schema{Fields: []Field{{Name: "n", Type: TypeInteger, Indexed: true, Tokenizer: "raw"}}}, "n"},
		{"bad name", Schema{Fields: []Field{{Name: "a b", Type: TypeText, Indexed: true}}}, "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestValidateDocument(t *testing.T) {
	s := docsSchema()

	doc, err := s.ValidateDocument(Document{"title": "hello", "id": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc["id"])
	assert.Equal(t, "hello", doc["title"])

	_, err = s.ValidateDocument(Document{"title": "hello", "id": "three"})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "id", fe.Field)
	assert.Contains(t, fe.Reason, "expected integer, got string")

	_, err = s.ValidateDocument(Document{"title": "x", "id": 1.5})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "id", fe.Field)

	_, err = s.ValidateDocument(Document{"body": "x"})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "body", fe.Field)
}

func TestNormalizeDate(t *testing.T) {
	v, err := Normalize(TypeDate, "2024-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), v)

	_, err = Normalize(TypeDate, "yesterday")
	assert.Error(t, err)
}

func TestTokenizersAndDefaultFields(t *testing.T) {
	s := Schema{Fields: []Field{
		{Name: "title", Type: TypeText, Indexed: true},
		{Name: "body", Type: TypeText, Indexed: true, Tokenizer: "cjk"},
		{Name: "tag", Type: TypeKeyword, Indexed: true},
		{Name: "n", Type: TypeInteger, Indexed: true},
	}}
	assert.Equal(t, []string{"", "cjk"}, s.Tokenizers())
	assert.Equal(t, []string{"title", "body", "tag"}, s.DefaultSearchFields())
}

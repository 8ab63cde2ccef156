package bleveidx

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// sourceField holds the JSON-encoded document so hits can be returned with
// their canonical types. Schema field names must start with a letter, so it
// cannot collide.
const sourceField = "_source"

func buildMapping(s schema.Schema, analyzers map[string]analysis.Tokenizer) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false

	analyzerNames := make(map[string]string)
	for _, f := range s.Fields {
		var fm *mapping.FieldMapping
		switch f.Type {
		case schema.TypeText:
			name := f.Tokenizer
			if name == "" {
				name = analysis.DefaultTokenizer
			}
			analyzerName, ok := analyzerNames[name]
			if !ok {
				tokName, err := registerTokenizer(name, analyzers[f.Name])
				if err != nil {
					return nil, fmt.Errorf("registering tokenizer %q: %w", name, err)
				}
				analyzerName = tokName + "_analyzer"
				if err := im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
					"type":      custom.Name,
					"tokenizer": tokName,
				}); err != nil {
					return nil, fmt.Errorf("adding analyzer for %q: %w", name, err)
				}
				analyzerNames[name] = analyzerName
			}
			fm = bleve.NewTextFieldMapping()
			fm.Analyzer = analyzerName
			fm.IncludeTermVectors = true
		case schema.TypeKeyword:
			fm = bleve.NewKeywordFieldMapping()
		case schema.TypeInteger, schema.TypeFloat:
			fm = bleve.NewNumericFieldMapping()
		case schema.TypeBoolean:
			fm = bleve.NewBooleanFieldMapping()
		case schema.TypeDate:
			fm = bleve.NewDateTimeFieldMapping()
		default:
			return nil, fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
		}
		fm.Index = f.Indexed
		fm.Store = false
		fm.IncludeInAll = false
		doc.AddFieldMappingsAt(f.Name, fm)
	}

	src := bleve.NewTextFieldMapping()
	src.Index = false
	src.Store = true
	src.IncludeInAll = false
	doc.AddFieldMappingsAt(sourceField, src)

	im.DefaultMapping = doc
	return im, nil
}

package bleveidx

import (
	"sync"

	bleveanalysis "github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
)

const namePrefix = "searchserver_"

var (
	registerMu sync.Mutex
	registered = make(map[string]struct{})
)

// registerTokenizer makes tok available to bleve under a prefixed name and
// returns the analyzer name that wraps it. bleve's registry is process-wide
// and panics on duplicates, so each name is registered at most once.
func registerTokenizer(name string, tok analysis.Tokenizer) (string, error) {
	bleveName := namePrefix + name
	registerMu.Lock()
	defer registerMu.Unlock()
	if _, ok := registered[bleveName]; ok {
		return bleveName, nil
	}
	err := registry.RegisterTokenizer(bleveName, func(map[string]interface{}, *registry.Cache) (bleveanalysis.Tokenizer, error) {
		return tokenizerBridge{tok: tok}, nil
	})
	if err != nil {
		return "", err
	}
	registered[bleveName] = struct{}{}
	return bleveName, nil
}

// tokenizerBridge adapts an analysis.Tokenizer to bleve's interface.
type tokenizerBridge struct {
	tok analysis.Tokenizer
}

func (b tokenizerBridge) Tokenize(input []byte) bleveanalysis.TokenStream {
	tokens := b.tok.Tokenize(string(input))
	stream := make(bleveanalysis.TokenStream, 0, len(tokens))
	for _, t := range tokens {
		stream = append(stream, &bleveanalysis.Token{
			Term:     []byte(t.Term),
			Position: t.Position + 1,
			Type:     bleveanalysis.AlphaNumeric,
		})
	}
	return stream
}

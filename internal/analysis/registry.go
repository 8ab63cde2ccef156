package analysis

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultTokenizer is the tokenizer used when a field does not name one.
const DefaultTokenizer = "default"

// Registry maps tokenizer names to implementations. Built-ins are present
// from construction; extensions are added with Register before any index
// that references them is opened.
type Registry struct {
	mu         sync.RWMutex
	tokenizers map[string]Tokenizer
}

func NewRegistry() *Registry {
	return &Registry{
		tokenizers: map[string]Tokenizer{
			DefaultTokenizer: TokenizerFunc(Standard),
			"simple":         TokenizerFunc(Simple),
			"whitespace":     TokenizerFunc(Whitespace),
			"raw":            TokenizerFunc(Raw),
			"cjk":            TokenizerFunc(CJK),
		},
	}
}

// Register adds a named tokenizer. Names are write-once.
func (r *Registry) Register(name string, t Tokenizer) error {
	if name == "" || t == nil {
		return fmt.Errorf("registering tokenizer: name and implementation required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokenizers[name]; exists {
		return fmt.Errorf("tokenizer %q already registered", name)
	}
	r.tokenizers[name] = t
	return nil
}

func (r *Registry) Get(name string) (Tokenizer, bool) {
	if name == "" {
		name = DefaultTokenizer
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokenizers[name]
	return t, ok
}

// Resolve looks up every requested name, failing on the first unknown one.
func (r *Registry) Resolve(names []string) (map[string]Tokenizer, error) {
	out := make(map[string]Tokenizer, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown tokenizer %q", name)
		}
		if name == "" {
			name = DefaultTokenizer
		}
		out[name] = t
	}
	return out, nil
}

// Names returns the registered tokenizer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tokenizers))
	for name := range r.tokenizers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Terms is a convenience returning only the term strings.
func Terms(t Tokenizer, text string) []string {
	tokens := t.Tokenize(text)
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Term
	}
	return out
}

package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	PadToken = "<PAD>"
	EOSToken = "<EOS>"
	UNKToken = "<UNK>"
)

// Vocab maps tokens to ids and back. The pad id is reserved and never
// produced by Encode.
type Vocab struct {
	Tokens []string
	ids    map[string]int
}

// NewVocab builds a vocabulary whose first three ids are PAD, EOS and UNK,
// followed by words in order. Duplicates are dropped.
func NewVocab(words []string) *Vocab {
	v := &Vocab{ids: make(map[string]int)}
	for _, w := range append([]string{PadToken, EOSToken, UNKToken}, words...) {
		if _, ok := v.ids[w]; ok {
			continue
		}
		v.ids[w] = len(v.Tokens)
		v.Tokens = append(v.Tokens, w)
	}
	return v
}

func (v *Vocab) Size() int { return len(v.Tokens) }

func (v *Vocab) PadID() int { return v.ids[PadToken] }

func (v *Vocab) EOSID() int { return v.ids[EOSToken] }

// ID returns the token id, falling back to UNK.
func (v *Vocab) ID(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return v.ids[UNKToken]
}

// Token returns the string for id, or UNK when id is out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.Tokens) {
		return UNKToken
	}
	return v.Tokens[id]
}

// Encode splits text on whitespace. When eos is set the EOS id terminates
// the sequence.
func (v *Vocab) Encode(text string, eos bool) []int {
	words := strings.Fields(strings.ToLower(text))
	ids := make([]int, 0, len(words)+1)
	for _, w := range words {
		ids = append(ids, v.ID(w))
	}
	if eos {
		ids = append(ids, v.EOSID())
	}
	return ids
}

// Decode renders ids up to the first EOS, skipping padding.
func (v *Vocab) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == v.EOSID() {
			break
		}
		if id == v.PadID() {
			continue
		}
		words = append(words, v.Token(id))
	}
	return strings.Join(words, " ")
}

type vocabFile struct {
	Tokens []string `json:"tokens"`
}

func (v *Vocab) Save(path string) error {
	data, err := json.MarshalIndent(vocabFile{Tokens: v.Tokens}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode vocab: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write vocab: %w", err)
	}
	return nil
}

// LoadVocab reads a vocabulary written by Save. The reserved tokens must
// occupy ids 0..2.
func LoadVocab(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	var vf vocabFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("failed to decode vocab: %w", err)
	}
	if len(vf.Tokens) < 3 || vf.Tokens[0] != PadToken || vf.Tokens[1] != EOSToken || vf.Tokens[2] != UNKToken {
		return nil, fmt.Errorf("vocab %s must start with %s, %s, %s", path, PadToken, EOSToken, UNKToken)
	}
	v := NewVocab(vf.Tokens[3:])
	if v.Size() != len(vf.Tokens) {
		return nil, fmt.Errorf("vocab %s contains duplicate tokens", path)
	}
	return v, nil
}

package data

import (
	"regexp"
	"strings"
)

// Special token ids, ESM style.
const (
	ClsID int32 = 0
	PadID int32 = 1
	EosID int32 = 2
	UnkID int32 = 3
)

// Amino acids (with ambiguity codes), the Foldseek 3Di alphabet (lower case)
// and the remaining DSSP eight-state letters share a single vocabulary.
const vocabLetters = "LAGVSERTIDPKQNFYMHWCXBUZO" + "acdefghiklmnpqrstvwy" + "-"

var rareResidues = regexp.MustCompile(`[UZOB]`)

// Tokenizer maps residue letters to ids.
type Tokenizer struct {
	ids         map[rune]int32
	replaceRare bool
}

// NewTokenizer builds the shared vocabulary. When replaceRare is set the rare
// residues U, Z, O and B are mapped to X before lookup.
func NewTokenizer(replaceRare bool) *Tokenizer {
	ids := make(map[rune]int32, len(vocabLetters))
	next := UnkID + 1
	for _, r := range vocabLetters {
		ids[r] = next
		next++
	}
	return &Tokenizer{ids: ids, replaceRare: replaceRare}
}

// VocabSize is the number of ids the tokenizer can produce.
func (t *Tokenizer) VocabSize() int {
	return len(t.ids) + int(UnkID) + 1
}

// Encode returns [cls, residues..., eos].
func (t *Tokenizer) Encode(seq string) []int32 {
	if t.replaceRare {
		seq = rareResidues.ReplaceAllString(seq, "X")
	}
	seq = strings.TrimSpace(seq)
	out := make([]int32, 0, len(seq)+2)
	out = append(out, ClsID)
	for _, r := range seq {
		if r == ' ' {
			continue
		}
		id, ok := t.ids[r]
		if !ok {
			id = UnkID
		}
		out = append(out, id)
	}
	return append(out, EosID)
}

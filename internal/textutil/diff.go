package textutil

import (
	"strings"
	"unicode"
)

// maxEditDistance bounds the Myers search. Diffs beyond it collapse into a
// single replace hunk, which disables punctuation-only auto-approval but
// keeps memory proportional to the edit distance, not the text length.
const maxEditDistance = 1000

// HunkOp labels one word-diff hunk.
type HunkOp string

const (
	OpEqual   HunkOp = "equal"
	OpReplace HunkOp = "replace"
	OpInsert  HunkOp = "insert"
	OpDelete  HunkOp = "delete"
)

// DiffHunk is a run of words sharing one diff operation. Equal hunks carry
// the shared words in Before only.
type DiffHunk struct {
	Op     HunkOp
	Before []string
	After  []string
}

// WordDiff computes a word-level diff between two texts. Tokens are
// whitespace-separated words, so punctuation stays attached to its word and
// a comma edit surfaces as a one-word replace.
func WordDiff(before, after string) []DiffHunk {
	return diffWords(strings.Fields(before), strings.Fields(after))
}

// ChangeCount returns the number of non-equal hunks.
func ChangeCount(hunks []DiffHunk) int {
	count := 0
	for _, h := range hunks {
		if h.Op != OpEqual {
			count++
		}
	}
	return count
}

// PunctuationOnly reports whether a hunk's words are identical once
// punctuation is stripped. Equal hunks are trivially punctuation-only;
// insertions or deletions of bare punctuation tokens qualify too.
func PunctuationOnly(h DiffHunk) bool {
	if h.Op == OpEqual {
		return true
	}
	return strippedKey(h.Before) == strippedKey(h.After)
}

// AllPunctuationOnly reports whether every change in the diff is
// punctuation-only.
func AllPunctuationOnly(hunks []DiffHunk) bool {
	for _, h := range hunks {
		if !PunctuationOnly(h) {
			return false
		}
	}
	return true
}

func strippedKey(words []string) string {
	var b strings.Builder
	for _, word := range words {
		stripped := stripPunctuation(word)
		if stripped == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(0)
		}
		b.WriteString(stripped)
	}
	return b.String()
}

func stripPunctuation(word string) string {
	var b strings.Builder
	for _, r := range word {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func diffWords(a, b []string) []DiffHunk {
	var head []DiffHunk

	// Common prefix and suffix shrink the Myers search to the edited middle.
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	if prefix > 0 {
		head = append(head, DiffHunk{Op: OpEqual, Before: a[:prefix]})
		a, b = a[prefix:], b[prefix:]
	}

	suffix := 0
	for suffix < len(a) && suffix < len(b) && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	var tail []DiffHunk
	if suffix > 0 {
		tail = []DiffHunk{{Op: OpEqual, Before: a[len(a)-suffix:]}}
		a, b = a[:len(a)-suffix], b[:len(b)-suffix]
	}

	var middle []DiffHunk
	switch {
	case len(a) == 0 && len(b) == 0:
	case len(a) == 0:
		middle = []DiffHunk{{Op: OpInsert, After: b}}
	case len(b) == 0:
		middle = []DiffHunk{{Op: OpDelete, Before: a}}
	default:
		ops, ok := myersScript(a, b, maxEditDistance)
		if !ok {
			middle = []DiffHunk{{Op: OpReplace, Before: a, After: b}}
		} else {
			middle = coalesce(a, b, ops)
		}
	}

	out := append(head, middle...)
	return append(out, tail...)
}

type editKind byte

const (
	editKeep editKind = iota
	editDelete
	editInsert
)

type edit struct {
	kind editKind
	a    int
	b    int
}

// myersScript runs the greedy O(ND) shortest edit search. It returns false
// when the edit distance exceeds maxD.
func myersScript(a, b []string, maxD int) ([]edit, bool) {
	n, m := len(a), len(b)
	total := n + m
	if maxD > total {
		maxD = total
	}

	offset := maxD
	v := make([]int, 2*maxD+2)
	var trace [][]int
	foundD := -1

search:
	for d := 0; d <= maxD; d++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				foundD = d
				break search
			}
		}
	}
	if foundD < 0 {
		return nil, false
	}

	// Backtrack from (n, m) through the per-round snapshots.
	var reversed []edit
	x, y := n, m
	for d := foundD; d >= 0; d-- {
		vd := trace[d]
		k := x - y
		var prevK int
		if k == -d || (k != d && vd[offset+k-1] < vd[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := vd[offset+prevK]
		prevY := prevX - prevK
		if d == 0 {
			prevX, prevY = 0, 0
		}

		for x > prevX && y > prevY {
			reversed = append(reversed, edit{kind: editKeep, a: x - 1, b: y - 1})
			x--
			y--
		}
		if d > 0 {
			if x > prevX {
				reversed = append(reversed, edit{kind: editDelete, a: x - 1})
				x--
			} else {
				reversed = append(reversed, edit{kind: editInsert, b: y - 1})
				y--
			}
		}
	}

	ops := make([]edit, len(reversed))
	for i, op := range reversed {
		ops[len(reversed)-1-i] = op
	}
	return ops, true
}

// coalesce folds the edit script into hunks. Adjacent deletions and
// insertions inside one changed run merge into a replace.
func coalesce(a, b []string, ops []edit) []DiffHunk {
	var hunks []DiffHunk
	var equal []string
	var deleted []string
	var inserted []string

	flushChange := func() {
		switch {
		case len(deleted) > 0 && len(inserted) > 0:
			hunks = append(hunks, DiffHunk{Op: OpReplace, Before: deleted, After: inserted})
		case len(deleted) > 0:
			hunks = append(hunks, DiffHunk{Op: OpDelete, Before: deleted})
		case len(inserted) > 0:
			hunks = append(hunks, DiffHunk{Op: OpInsert, After: inserted})
		}
		deleted, inserted = nil, nil
	}
	flushEqual := func() {
		if len(equal) > 0 {
			hunks = append(hunks, DiffHunk{Op: OpEqual, Before: equal})
			equal = nil
		}
	}

	for _, op := range ops {
		switch op.kind {
		case editKeep:
			flushChange()
			equal = append(equal, a[op.a])
		case editDelete:
			flushEqual()
			deleted = append(deleted, a[op.a])
		case editInsert:
			flushEqual()
			inserted = append(inserted, b[op.b])
		}
	}
	flushChange()
	flushEqual()
	return hunks
}

package rete

import "strings"

// Token is the unit of propagation through the RETE network: an
// ordered tuple of fact ids plus the concatenated field view those
// facts contribute, so a downstream beta or terminal node never has
// to re-dereference the fact store mid-join. Tokens reference facts
// by id, never by pointer, so no node holds a cycle-forming pointer
// into the store.
type Token struct {
	FactIDs []FactID
	Fields  map[string]Value
}

// NewToken builds a single-fact token, the kind an alpha node emits.
func NewToken(id FactID, fields map[string]Value) Token {
	return Token{FactIDs: []FactID{id}, Fields: cloneFields(fields)}
}

// Join concatenates t with other, producing the token a beta node
// emits when a left/right pair matches: fact ids are appended in
// left-then-right order, and the right token's fields win on key
// collisions (later-arriving fields refine the view). Fact ids the
// left token already carries are not repeated: a single fact
// satisfying both sides of a join produces the one-fact token, not a
// self-pair, keeping tokens value-equal by fact-id set.
func (t Token) Join(other Token) Token {
	ids := make([]FactID, 0, len(t.FactIDs)+len(other.FactIDs))
	ids = append(ids, t.FactIDs...)
	for _, id := range other.FactIDs {
		seen := false
		for _, have := range t.FactIDs {
			if have == id {
				seen = true
				break
			}
		}
		if !seen {
			ids = append(ids, id)
		}
	}
	fields := make(map[string]Value, len(t.Fields)+len(other.Fields))
	for k, v := range t.Fields {
		fields[k] = v
	}
	for k, v := range other.Fields {
		fields[k] = v
	}
	return Token{FactIDs: ids, Fields: fields}
}

// IdentityKey is a value-equality key for token de-duplication: the
// network is set-semantic, so a token with an existing identity key
// in a memory is not re-emitted.
func (t Token) IdentityKey() string {
	var sb strings.Builder
	for i, id := range t.FactIDs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(formatFactID(id))
	}
	return sb.String()
}

func formatFactID(id FactID) string {
	return Integer(int64(id)).CanonicalKey()
}

// JoinKey computes the join-key string a beta node uses to look up
// the opposite memory, derived from the token's fields at the named
// join fields, in order.
func (t Token) JoinKey(fields []string) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('|')
		}
		if v, ok := t.Fields[f]; ok {
			sb.WriteString(v.CanonicalKey())
		} else {
			sb.WriteString("<absent>")
		}
	}
	return sb.String()
}

package rete

// BetaNode joins tokens arriving from its left and right parents on a
// set of join predicates, maintaining two memories indexed by join
// key. A Not beta inverts the usual join: it propagates
// the left token exactly when the right memory has nothing for that
// key, and an incoming right-side token invalidates any emission
// already made for that key.
type BetaNode struct {
	ID NodeID
	LeftParent NodeID
	RightParent NodeID
	JoinConditions []JoinCondition
	Signature PatternSignature
	IsNot bool
	Downstream []NodeID

	leftMemory map[string][]Token
	rightMemory map[string][]Token
	emitted map[string]struct{} // IdentityKey set, for set-semantic de-dup
}

func newBetaNode(left, right NodeID, joins []JoinCondition, isNot bool) *BetaNode {
	return &BetaNode{
		ID: nextNodeID(),
		LeftParent: left,
		RightParent: right,
		JoinConditions: joins,
		Signature: SignatureFromJoinFields(joinLeftFields(joins)),
		IsNot: isNot,
		leftMemory: make(map[string][]Token),
		rightMemory: make(map[string][]Token),
		emitted: make(map[string]struct{}),
	}
}

func joinLeftFields(joins []JoinCondition) []string {
	fields := make([]string, len(joins))
	for i, j := range joins {
		fields[i] = j.LeftField
	}
	return fields
}

func joinRightFields(joins []JoinCondition) []string {
	fields := make([]string, len(joins))
	for i, j := range joins {
		fields[i] = j.RightField
	}
	return fields
}

// acceptLeft processes a token arriving from the left parent,
// returning the tokens to propagate downstream.
func (b *BetaNode) acceptLeft(t Token) []Token {
	key := t.JoinKey(joinLeftFields(b.JoinConditions))
	b.leftMemory[key] = append(b.leftMemory[key], t)

	if b.IsNot {
		if len(b.rightMemory[key]) == 0 {
			return b.emitOnce([]Token{t})
		}
		return nil
	}

	matches := b.rightMemory[key]
	out := make([]Token, 0, len(matches))
	for _, r := range matches {
		out = append(out, t.Join(r))
	}
	return b.emitOnce(out)
}

// acceptRight processes a token arriving from the right parent.
func (b *BetaNode) acceptRight(t Token) []Token {
	key := t.JoinKey(joinRightFields(b.JoinConditions))
	b.rightMemory[key] = append(b.rightMemory[key], t)

	if b.IsNot {
		// A right-side arrival can invalidate emissions already made
		// for this key; the caller (network) is responsible for
		// retracting any downstream activation keyed by those tokens,
		// since a beta node alone cannot reach into terminal state.
		b.invalidateEmittedForKey(key)
		return nil
	}

	matches := b.leftMemory[key]
	out := make([]Token, 0, len(matches))
	for _, l := range matches {
		out = append(out, l.Join(t))
	}
	return b.emitOnce(out)
}

func (b *BetaNode) invalidateEmittedForKey(key string) {
	for _, l := range b.leftMemory[key] {
		delete(b.emitted, l.IdentityKey())
	}
}

func (b *BetaNode) emitOnce(candidates []Token) []Token {
	out := make([]Token, 0, len(candidates))
	for _, t := range candidates {
		k := t.IdentityKey()
		if _, seen := b.emitted[k]; seen {
			continue
		}
		b.emitted[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

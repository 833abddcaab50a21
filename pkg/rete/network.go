package rete

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// NetworkStats reports node-sharing effectiveness.
type NetworkStats struct {
	AlphaSharesFound uint64
	AlphaNodesActive uint64
	EstimatedBytesSaved uint64
}

// NetworkTiming accumulates cumulative phase durations across every
// ProcessFact call. Engine.Process snapshots the delta between two
// reads to fill in one cycle's CycleResult.Timing.
type NetworkTiming struct {
	AlphaMatching time.Duration
	BetaPropagation time.Duration
}

const defaultMaxCycleIterations = 1024

// estimatedAlphaNodeBytes approximates one alpha node's footprint for
// the bytes-saved sharing metric; it does not need to be exact, only
// a stable unit the caller can compare across runs.
const estimatedAlphaNodeBytes = 256

// Network is the compiled RETE graph: alpha nodes test individual
// facts, beta nodes join token streams, terminal nodes materialize
// activations. It owns propagation and exposes the node-sharing and
// cache statistics.
type Network struct {
	mu sync.Mutex

	alphaNodes map[NodeID]*AlphaNode
	betaNodes map[NodeID]*BetaNode
	terminalNodes map[NodeID]*TerminalNode
	kindOf map[NodeID]NodeKind

	alphaBySignature map[PatternSignature]NodeID

	pending []Activation

	cache *PatternCache
	calc *Calculator
	logger *zap.Logger
	maxCycleIterations int

	Stats NetworkStats
	Timing NetworkTiming
	optimization []OptimizationRecord
}

// NewNetwork builds an empty network. cache and logger may be nil (a
// fresh cache and a no-op logger are used respectively).
func NewNetwork(cache *PatternCache, calc *Calculator, logger *zap.Logger, maxCycleIterations int) *Network {
	if cache == nil {
		cache = NewPatternCache(0)
	}
	if calc == nil {
		calc = NewCalculator(DefaultFloatEpsilon)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCycleIterations <= 0 {
		maxCycleIterations = defaultMaxCycleIterations
	}
	return &Network{
		alphaNodes: make(map[NodeID]*AlphaNode),
		betaNodes: make(map[NodeID]*BetaNode),
		terminalNodes: make(map[NodeID]*TerminalNode),
		kindOf: make(map[NodeID]NodeKind),
		alphaBySignature: make(map[PatternSignature]NodeID),
		cache: cache,
		calc: calc,
		logger: logger,
		maxCycleIterations: maxCycleIterations,
	}
}

// internAlphaNode returns the existing alpha node for cond's
// signature, or creates one. Node sharing is mandatory for Simple
// conditions.
func (n *Network) internAlphaNode(cond *Condition) *AlphaNode {
	sig := SignatureFromCondition(cond)
	if id, ok := n.alphaBySignature[sig]; ok {
		n.Stats.AlphaSharesFound++
		n.Stats.EstimatedBytesSaved += estimatedAlphaNodeBytes
		return n.alphaNodes[id]
	}
	node := newAlphaNode(cond, n.calc)
	node.Signature = sig
	n.alphaNodes[node.ID] = node
	n.kindOf[node.ID] = NodeAlpha
	n.alphaBySignature[sig] = node.ID
	n.Stats.AlphaNodesActive++
	return node
}

func (n *Network) addBetaNode(b *BetaNode) {
	n.betaNodes[b.ID] = b
	n.kindOf[b.ID] = NodeBeta
}

func (n *Network) addTerminalNode(t *TerminalNode) {
	n.terminalNodes[t.ID] = t
	n.kindOf[t.ID] = NodeTerminal
}

func (n *Network) link(from, to NodeID) {
	switch n.kindOf[from] {
	case NodeAlpha:
		a := n.alphaNodes[from]
		a.Downstream = append(a.Downstream, to)
	case NodeBeta:
		b := n.betaNodes[from]
		b.Downstream = append(b.Downstream, to)
	}
}

type workItem struct {
	node NodeID
	tok Token
	side bool // false = left/primary, true = right (beta-only)
}

// ProcessFact runs one fact through the alpha layer and propagates
// resulting tokens to quiescence, returning any activations the cycle
// produced. now is the activation timestamp.
func (n *Network) ProcessFact(f *Fact, now time.Time) []Activation {
	n.mu.Lock()
	defer n.mu.Unlock()

	alphaStart := time.Now()
	var queue []workItem
	for _, a := range n.alphaNodes {
		if a.Test(f) {
			tok := NewToken(f.ID, f.Data)
			for _, d := range a.Downstream {
				queue = append(queue, workItem{node: d, tok: tok, side: n.isRightParent(d, a.ID)})
			}
		}
	}
	n.Timing.AlphaMatching += time.Since(alphaStart)

	betaStart := time.Now()
	var produced []Activation
	iterations := 0
	for len(queue) > 0 {
		iterations++
		if iterations > n.maxCycleIterations {
			n.logger.Warn("cycle budget exceeded", zap.Int("max_iterations", n.maxCycleIterations))
			break
		}
		item := queue[0]
		queue = queue[1:]

		switch n.kindOf[item.node] {
		case NodeBeta:
			b := n.betaNodes[item.node]
			var emitted []Token
			if item.side {
				emitted = b.acceptRight(item.tok)
			} else {
				emitted = b.acceptLeft(item.tok)
			}
			for _, tok := range emitted {
				for _, d := range b.Downstream {
					queue = append(queue, workItem{node: d, tok: tok, side: n.isRightParent(d, b.ID)})
				}
			}
		case NodeTerminal:
			term := n.terminalNodes[item.node]
			act := term.accept(item.tok, now)
			produced = append(produced, act)
			n.pending = append(n.pending, act)
		}
	}
	n.Timing.BetaPropagation += time.Since(betaStart)
	return produced
}

// isRightParent reports whether parent is the right (rather than
// left) parent of node, used to route a propagated token into the
// correct beta memory.
func (n *Network) isRightParent(node NodeID, parent NodeID) bool {
	b, ok := n.betaNodes[node]
	if !ok {
		return false
	}
	return b.RightParent == parent
}

// DrainActivations removes and returns every pending activation.
func (n *Network) DrainActivations() []Activation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	n.pending = nil
	return out
}

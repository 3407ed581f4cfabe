package orchestrator

import (
	"math/rand"
	"strings"
)

// GateConfig carries the pluggable reply-policy tunables: mandatory signal
// detection plus a probabilistic score compared against a threshold.
type GateConfig struct {
	// BaseThreshold is the default probability ceiling below which a
	// non-mandatory bundle is replied to.
	BaseThreshold float64
	// BotNames are the names/handles that count as "addressed by name".
	BotNames []string
	// MentionTokens are literal substrings (e.g. "@bot") that count as a
	// direct mention.
	MentionTokens []string
}

// DefaultGateConfig returns sensible defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{BaseThreshold: 0.35}
}

// ConversationDesire optionally biases the probability score for a specific
// conversation (e.g. a group the bot has been especially chatty in
// recently). Returning 0 means "no bias".
type ConversationDesireFunc func(convKey ConversationKey) float64

// Rand is the narrow randomness source the gate uses for its probabilistic
// branch, overridable in tests for determinism.
type Rand interface {
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Gate is pure with respect to the conversation state it is given,
// combining mandatory signals with a probabilistic score.
type Gate struct {
	cfg    GateConfig
	desire ConversationDesireFunc
	rng    Rand
}

// NewGate creates a reply-policy gate. desire may be nil.
func NewGate(cfg GateConfig, desire ConversationDesireFunc) *Gate {
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = DefaultGateConfig().BaseThreshold
	}
	return &Gate{cfg: cfg, desire: desire, rng: defaultRand{}}
}

// WithRand overrides the gate's randomness source (test hook).
func (g *Gate) WithRand(r Rand) *Gate {
	g.rng = r
	return g
}

// Decide implements the ReplyGate interface. Mandatory signals (direct
// mention, address-by-name, private message) bypass the probabilistic
// branch entirely.
func (g *Gate) Decide(msg *IncomingMessage, convKey ConversationKey) ReplyDecision {
	if mandatory, _ := g.mandatorySignals(msg); mandatory {
		return ReplyDecision{NeedReply: true, Mandatory: true, Probability: 1, Threshold: g.cfg.BaseThreshold}
	}

	threshold := g.cfg.BaseThreshold
	if g.desire != nil {
		if bias := g.desire(convKey); bias > 0 {
			threshold += bias
			if threshold > 1 {
				threshold = 1
			}
		}
	}

	score := g.rng.Float64()
	return ReplyDecision{
		NeedReply:   score < threshold,
		Mandatory:   false,
		Probability: score,
		Threshold:   threshold,
	}
}

func (g *Gate) mandatorySignals(msg *IncomingMessage) (bool, []string) {
	var reasons []string

	if msg.Type == MessagePrivate {
		reasons = append(reasons, "private-chat")
		return true, reasons
	}

	for _, at := range msg.AtUsers {
		if isBotHandle(at, g.cfg.BotNames) {
			reasons = append(reasons, "direct-mention:"+at)
			return true, reasons
		}
	}

	lowered := strings.ToLower(msg.Text)
	for _, name := range g.cfg.BotNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && strings.Contains(lowered, name) {
			reasons = append(reasons, "addressed-by-name:"+name)
			return true, reasons
		}
	}
	for _, tok := range g.cfg.MentionTokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" && strings.Contains(lowered, tok) {
			reasons = append(reasons, "mention-token:"+tok)
			return true, reasons
		}
	}

	return false, reasons
}

func isBotHandle(candidate string, names []string) bool {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	for _, n := range names {
		if strings.ToLower(strings.TrimSpace(n)) == candidate {
			return true
		}
	}
	return false
}

// staticDecisionGate is a trivial ReplyGate used by tests and by callers
// that want to bypass probability entirely (e.g. delayed jobs and recovery,
// which always need a reply since they are proactive).
type staticDecisionGate struct {
	decision ReplyDecision
}

func (s staticDecisionGate) Decide(*IncomingMessage, ConversationKey) ReplyDecision {
	return s.decision
}

// AlwaysReplyGate returns a ReplyGate that always admits, used for
// synthesized proactive messages (delayed jobs, task recovery) which must
// bypass the probabilistic gate entirely.
func AlwaysReplyGate() ReplyGate {
	return staticDecisionGate{decision: ReplyDecision{NeedReply: true, Mandatory: true, Probability: 1, Threshold: 1}}
}

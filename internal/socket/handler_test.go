package socket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sentra/agent/internal/orchestrator"
)

// fakeMCP emits a single judge{need:false} event per Stream call, driving
// the pipeline straight to one reply and a finalize.
type fakeMCP struct{}

func (fakeMCP) Stream(ctx context.Context, input orchestrator.MCPRunInput) (<-chan orchestrator.Event, error) {
	ch := make(chan orchestrator.Event, 2)
	ch <- orchestrator.Event{Kind: orchestrator.EventStart, RunID: "run-1"}
	ch <- orchestrator.Event{Kind: orchestrator.EventJudge, NeedReply: false}
	close(ch)
	return ch, nil
}

type fakeLLM struct{}

func (fakeLLM) Chat(ctx context.Context, messages []orchestrator.MCPMessage, opts orchestrator.ChatOptions) (string, error) {
	return "<sentra-response>ok</sentra-response>", nil
}

type capturingSender struct {
	mu    sync.Mutex
	sends []string
}

func (s *capturingSender) SendText(ctx context.Context, convKey orchestrator.ConversationKey, text string, quote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, text)
	return nil
}

func (s *capturingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type capturingHistory struct {
	mu    sync.Mutex
	pairs []orchestrator.Turn
}

func (h *capturingHistory) SavePair(ctx context.Context, convKey orchestrator.ConversationKey, pair orchestrator.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairs = append(h.pairs, pair)
	return nil
}

func newTestDispatcher(t *testing.T, sentText *capturingSender) *Dispatcher {
	t.Helper()

	tasks := orchestrator.NewActiveTaskRegistry(orchestrator.NewGate(orchestrator.DefaultGateConfig(), nil))
	dispatcher := NewDispatcher(orchestrator.BundlerConfig{WindowMs: 50 * time.Millisecond, MaxMs: 2 * time.Second}, tasks, nil)

	assembler := orchestrator.NewContextAssembler(orchestrator.AssemblerConfig{}, nil)
	pipeline := orchestrator.NewTurnPipeline(orchestrator.PipelineConfig{
		Assembler:         assembler,
		MCP:               fakeMCP{},
		LLM:               fakeLLM{},
		Sender:            sentText,
		History:           &capturingHistory{},
		Runs:              orchestrator.NewRunRegistry(noopCanceller{}, nil),
		Tasks:             tasks,
		Bundler:           dispatcher.Bundler(),
		MaxResponseTokens: 0,
	})
	dispatcher.SetPipeline(pipeline)

	return dispatcher
}

type noopCanceller struct{}

func (noopCanceller) CancelRun(ctx context.Context, runID string) error { return nil }

// TestDispatcherBurstBundling covers the burst-bundling scenario: three
// rapid messages from one sender coalesce into a single Turn whose
// synthesized text joins them in arrival order.
func TestDispatcherBurstBundling(t *testing.T) {
	sender := &capturingSender{}
	dispatcher := newTestDispatcher(t, sender)

	ctx := context.Background()
	base := &orchestrator.IncomingMessage{Type: orchestrator.MessagePrivate, SenderID: "u1"}

	for i, text := range []string{"你", "好", "啊"} {
		msg := *base
		msg.Text = text
		msg.MessageID = fmt.Sprintf("m-%d", i)
		dispatcher.HandleMessage(ctx, &msg)
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if sender.count() != 1 {
		t.Fatalf("expected exactly one send, got %d: %v", sender.count(), sender.sends)
	}
}

// TestDispatcherSkipsNonMandatoryGroupMessage verifies a group message with
// no mandatory signal and a gate that never admits produces no Turn at all.
func TestDispatcherSkipsNonMandatoryGroupMessage(t *testing.T) {
	sender := &capturingSender{}
	tasks := orchestrator.NewActiveTaskRegistry(orchestrator.NewGate(orchestrator.GateConfig{BaseThreshold: 0}, nil).WithRand(alwaysOne{}))
	dispatcher := NewDispatcher(orchestrator.BundlerConfig{WindowMs: 20 * time.Millisecond, MaxMs: 200 * time.Millisecond}, tasks, nil)
	assembler := orchestrator.NewContextAssembler(orchestrator.AssemblerConfig{}, nil)
	pipeline := orchestrator.NewTurnPipeline(orchestrator.PipelineConfig{
		Assembler: assembler,
		MCP:       fakeMCP{},
		LLM:       fakeLLM{},
		Sender:    sender,
		History:   &capturingHistory{},
		Runs:      orchestrator.NewRunRegistry(noopCanceller{}, nil),
		Tasks:     tasks,
		Bundler:   dispatcher.Bundler(),
	})
	dispatcher.SetPipeline(pipeline)

	ctx := context.Background()
	msg := &orchestrator.IncomingMessage{Type: orchestrator.MessageGroup, GroupID: "g1", SenderID: "u2", Text: "hello", MessageID: "m-1"}
	dispatcher.HandleMessage(ctx, msg)

	time.Sleep(300 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no send for a non-admitted bundle, got %d", sender.count())
	}
}

type alwaysOne struct{}

func (alwaysOne) Float64() float64 { return 1 }

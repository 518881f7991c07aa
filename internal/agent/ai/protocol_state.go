package ai

// toolAccumulator tracks one in-flight tool call's streamed name/arguments
// until the upstream event that finalizes it.
type toolAccumulator struct {
	callID    string
	toolName  string
	arguments string // accumulated, possibly-partial JSON
}

// reasoningStatus is a per-summary-index state for one reasoning item.
type reasoningStatus int

const (
	ReasoningActive reasoningStatus = iota
	ReasoningCanConclude
	ReasoningConcluded
)

// reasoningItemState tracks one OpenAI Responses "reasoning" output item
// across its summary parts.
type reasoningItemState struct {
	itemID           string
	encryptedContent string
	summaries        map[int]reasoningStatus
}

// blockInfo records a content-block's type and wire id, keyed by index —
// used by the Anthropic codec to resolve content_block_delta/_stop events
// back to the accumulator they belong to.
type blockInfo struct {
	blockType string
	id        string
}

// ProtocolStreamState is the codec-local scratch struct shared by all three
// protocol codecs. A codec receives one of these per in-flight stream and mutates it across ParseSSEEvent calls.
type ProtocolStreamState struct {
	FinishReason string

	// tools maps a wire identifier (block id, item id, or index-as-string)
	// to its accumulator. toolOrder records the order slots were filled in
	// (upstream index when given, first-seen otherwise): the Chat codec
	// flushes calls in this order on finish_reason=="tool_calls" and the
	// Responses codec uses it to sweep never-finalized calls on
	// response.completed. The Anthropic codec finalizes per-block on
	// content_block_stop and never consults it.
	tools       map[string]*toolAccumulator
	toolOrder   []string
	emittedTool map[string]bool

	// blocksByIndex is the Anthropic codec's index→{type,id} map.
	blocksByIndex map[int]blockInfo

	// reasoning maps an OpenAI Responses reasoning item's id to its state.
	reasoning map[string]*reasoningItemState

	// OpenAIStore mirrors the Responses API's `store` flag observed on
	// response.created/in_progress; OpenAI deployments that omit it default
	// to true.
	OpenAIStore bool

	// TextStarted guards against re-emitting TextStart, and (for the
	// Responses dialect) against re-streaming output text already seen on
	// response.completed.
	TextStarted bool

	// pending is the FIFO of uniform events a single upstream event may
	// have produced; the driver drains it after every ParseSSEEvent call

	pending []StreamEvent
}

// NewProtocolStreamState returns a zero-value state ready for a new stream.
// OpenAIStore defaults to true, the observed upstream behavior for
// deployments that omit the `store` field.
func NewProtocolStreamState() *ProtocolStreamState {
	return &ProtocolStreamState{
		tools:         make(map[string]*toolAccumulator),
		emittedTool:   make(map[string]bool),
		blocksByIndex: make(map[int]blockInfo),
		reasoning:     make(map[string]*reasoningItemState),
		OpenAIStore:   true,
	}
}

// push appends an event to the FIFO.
func (s *ProtocolStreamState) push(ev StreamEvent) {
	s.pending = append(s.pending, ev)
}

// Drain removes and returns every remaining pending event in FIFO order.
// The driver calls this after each ParseSSEEvent to flush any additional
// events a single upstream event produced beyond the one returned directly.
func (s *ProtocolStreamState) Drain() []StreamEvent {
	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

// popFirst removes and returns the head of the FIFO, used by a codec's
// ParseSSEEvent to return its primary event while leaving any overflow
// queued for the driver's subsequent Drain call.
func (s *ProtocolStreamState) popFirst() (StreamEvent, bool) {
	if len(s.pending) == 0 {
		return StreamEvent{}, false
	}
	head := s.pending[0]
	s.pending = s.pending[1:]
	return head, true
}

func (s *ProtocolStreamState) toolFor(key string) *toolAccumulator {
	acc, ok := s.tools[key]
	if !ok {
		acc = &toolAccumulator{}
		s.tools[key] = acc
		s.toolOrder = append(s.toolOrder, key)
	}
	return acc
}

// placeToolAt moves key into the ordered slot at idx (upstream-provided
// index wins over first-seen insertion order), growing the slot list with
// placeholders as needed. Duplicate placements are no-ops.
func (s *ProtocolStreamState) placeToolAt(key string, idx int) {
	if idx < 0 {
		return
	}
	if idx < len(s.toolOrder) && s.toolOrder[idx] == key {
		return
	}
	for i, k := range s.toolOrder {
		if k == key {
			s.toolOrder = append(s.toolOrder[:i], s.toolOrder[i+1:]...)
			break
		}
	}
	for len(s.toolOrder) <= idx {
		s.toolOrder = append(s.toolOrder, "")
	}
	if s.toolOrder[idx] == "" {
		s.toolOrder[idx] = key
	} else if s.toolOrder[idx] != key {
		s.toolOrder = append(s.toolOrder, key)
	}
}

// ToolOrder returns the filled emission-order slots, skipping placeholder
// gaps left by sparse upstream indexes.
func (s *ProtocolStreamState) ToolOrder() []string {
	out := make([]string, 0, len(s.toolOrder))
	for _, k := range s.toolOrder {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (s *ProtocolStreamState) reasoningFor(itemID string) *reasoningItemState {
	st, ok := s.reasoning[itemID]
	if !ok {
		st = &reasoningItemState{itemID: itemID, summaries: make(map[int]reasoningStatus)}
		s.reasoning[itemID] = st
	}
	return st
}

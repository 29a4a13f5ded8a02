// Package harness wires a Node and a Link together over an in-memory
// loopback transport so the protocol's state machines can be exercised
// end to end without a real TNC, plus fault-injection hooks for
// dropped- and corrupted-frame scenarios.
package harness

import (
	"bytes"

	"github.com/kulaginds/rfnet/internal/kiss"
	"github.com/kulaginds/rfnet/internal/link"
	"github.com/kulaginds/rfnet/internal/node"
	"github.com/kulaginds/rfnet/internal/packet"
)

// FrameHook inspects or mutates one outbound protocol frame (before
// KISS framing) on its way across a Wire. idx counts only the frames
// the hook is invoked for (see Wire.dataHook vs Wire.everyHook).
// Returning nil drops the frame.
type FrameHook func(idx int, frame []byte) []byte

// Wire is a one-directional, fault-injectable in-memory link carrying
// KISS-framed bytes from one endpoint to the other.
type Wire struct {
	buf bytes.Buffer

	everyHook FrameHook
	everyIdx  int

	dataHook FrameHook
	dataIdx  int
}

// NewWire creates a Wire. everyHook runs on every frame sent across it;
// dataHook runs only on frames carrying a Data packet (identified by
// the top two bits of the first header byte, per packet.TypeData).
// Either may be nil.
func NewWire(everyHook, dataHook FrameHook) *Wire {
	return &Wire{everyHook: everyHook, dataHook: dataHook}
}

// Send KISS-frames one protocol frame and queues it for delivery,
// applying any configured hooks first.
func (w *Wire) Send(frame []byte) error {
	if frame[0]&0xC0 == byte(packet.TypeData) {
		idx := w.dataIdx
		w.dataIdx++
		if w.dataHook != nil {
			frame = w.dataHook(idx, frame)
		}
	}

	if frame == nil {
		return nil
	}

	if w.everyHook != nil {
		idx := w.everyIdx
		w.everyIdx++
		frame = w.everyHook(idx, frame)
	}

	if frame == nil {
		return nil
	}

	_, err := kiss.EncodeBytes(&w.buf, frame, 0)
	return err
}

// Drain decodes and returns every complete KISS frame currently
// buffered, in delivery order, leaving any trailing partial frame in
// place for the next call.
func (w *Wire) Drain() [][]byte {
	var frames [][]byte

	for {
		df := kiss.Decode(w.buf.Bytes())
		if df == nil {
			break
		}

		frames = append(frames, df.Payload)

		remaining := w.buf.Bytes()[df.BytesRead:]
		w.buf.Reset()
		w.buf.Write(remaining)
	}

	return frames
}

// DropEveryNth returns a FrameHook that drops every Nth frame it sees
// (0-indexed: idx%n == skip is dropped). A zeroed-out KISS frame
// carries no FEND bytes and is indistinguishable from one that was
// never sent, so this hook models corruption-to-zero by omission.
func DropEveryNth(n, skip int) FrameHook {
	return func(idx int, frame []byte) []byte {
		if idx%n == skip {
			return nil
		}
		return frame
	}
}

// BitFlipData returns a FrameHook, meant for a Wire's dataHook, that
// flips one bit in each Data frame it sees at byte offset idx%len(frame).
func BitFlipData() FrameHook {
	return func(idx int, frame []byte) []byte {
		if len(frame) == 0 {
			return frame
		}
		out := append([]byte(nil), frame...)
		out[idx%len(out)] ^= 0x01
		return out
	}
}

// Harness drives a Node and a Link against one another, one cooperative
// cycle at a time.
type Harness struct {
	Node *node.Node
	Link *link.Link

	linkWidth  int
	fecEnabled bool

	NodeToLink *Wire
	LinkToNode *Wire

	Cycles int
}

// New builds a Harness. linkWidth/fecEnabled describe the Link's
// configured framing, needed to decode frames arriving on its side
// since the packet codec is not self-describing without them.
func New(n *node.Node, l *link.Link, linkWidth int, fecEnabled bool, nodeToLink, linkToNode *Wire) *Harness {
	return &Harness{
		Node:       n,
		Link:       l,
		linkWidth:  linkWidth,
		fecEnabled: fecEnabled,
		NodeToLink: nodeToLink,
		LinkToNode: linkToNode,
	}
}

// SendToLink queues frames produced by a caller-driven Node event
// (Connect, Disconnect, StartRequest) onto the Node→Link wire, so the
// next Step delivers them.
func (h *Harness) SendToLink(frames [][]byte) error {
	return h.sendToLink(frames)
}

// SendToNode is SendToLink's Link→Node counterpart.
func (h *Harness) SendToNode(frames [][]byte) error {
	return h.sendToNode(frames)
}

func (h *Harness) sendToLink(frames [][]byte) error {
	for _, f := range frames {
		if err := h.NodeToLink.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) sendToNode(frames [][]byte) error {
	for _, f := range frames {
		if err := h.LinkToNode.Send(f); err != nil {
			return err
		}
	}
	return nil
}

// Step runs one cooperative cycle: every frame currently in flight is
// delivered to its destination (which may itself produce further
// frames, sent back out immediately), then both endpoints' clocks
// advance by tickMS. It returns whatever Events the Node raised during
// the cycle.
func (h *Harness) Step(tickMS int) ([]node.Event, error) {
	var allEvents []node.Event

	for _, raw := range h.LinkToNode.Drain() {
		frames, events, err := h.Node.OnBytes(raw)
		if err != nil {
			return allEvents, err
		}
		allEvents = append(allEvents, events...)
		if err := h.sendToLink(frames); err != nil {
			return allEvents, err
		}
	}

	for _, raw := range h.NodeToLink.Drain() {
		pkt, corrected, decodeErr := packet.DecodeFrame(raw, h.linkWidth, h.fecEnabled)
		if decodeErr != nil && pkt == nil {
			continue
		}
		frames, err := h.Link.OnPacket(pkt, corrected, decodeErr)
		if err != nil {
			return allEvents, err
		}
		if err := h.sendToNode(frames); err != nil {
			return allEvents, err
		}
	}

	nodeFrames, events, err := h.Node.Tick(tickMS)
	if err != nil {
		return allEvents, err
	}
	allEvents = append(allEvents, events...)
	if err := h.sendToLink(nodeFrames); err != nil {
		return allEvents, err
	}

	linkFrames, err := h.Link.Tick(tickMS)
	if err != nil {
		return allEvents, err
	}
	if err := h.sendToNode(linkFrames); err != nil {
		return allEvents, err
	}

	h.Cycles++

	return allEvents, nil
}

// Run calls Step up to maxCycles times, tickMS each time, stopping
// early once filter returns true for an event seen during a cycle.
func (h *Harness) Run(tickMS, maxCycles int, filter func(node.Event) bool) ([]node.Event, error) {
	var all []node.Event

	for i := 0; i < maxCycles; i++ {
		events, err := h.Step(tickMS)
		if err != nil {
			return all, err
		}
		all = append(all, events...)

		for _, ev := range events {
			if filter(ev) {
				return all, nil
			}
		}
	}

	return all, nil
}

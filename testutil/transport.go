// Package testutil provides the in-memory transport used by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/transport"
)

// Transport is an in-memory implementation of transport.Transport. Frames
// offered on a channel's publication are delivered synchronously to every
// subscription on the same channel; peer presence is driven either implicitly
// (publication open/close) or explicitly via AttachPeer/DetachPeer.
//
// Image callbacks fire on the caller's goroutine, which from the consumer's
// point of view is exactly what the real transport does: a goroutine the
// consumer does not own.
type Transport struct {
	identity string

	mu         sync.Mutex
	pubs       map[string][]*MemPublication
	subs       map[string][]*MemSubscription
	responders map[string]transport.HandshakeHandler

	failOpenPublication  error
	failOpenSubscription error
}

// NewTransport creates an in-memory transport announcing the given source
// identity on its publications.
func NewTransport(identity string) *Transport {
	return &Transport{
		identity:   identity,
		pubs:       make(map[string][]*MemPublication),
		subs:       make(map[string][]*MemSubscription),
		responders: make(map[string]transport.HandshakeHandler),
	}
}

// Identity implements transport.Transport.
func (t *Transport) Identity() string {
	return t.identity
}

// FailNextOpenPublication makes the next OpenPublication call fail with err.
func (t *Transport) FailNextOpenPublication(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOpenPublication = err
}

// FailNextOpenSubscription makes the next OpenSubscription call fail with err.
func (t *Transport) FailNextOpenSubscription(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOpenSubscription = err
}

// memImage is a live peer in the in-memory transport.
type memImage struct {
	correlation string
	source      string
}

func (i memImage) Correlation() string    { return i.correlation }
func (i memImage) SourceIdentity() string { return i.source }

// MemPublication records offered frames and forwards them to subscriptions on
// the same channel.
type MemPublication struct {
	transport *Transport
	subject   string
	presence  string
	identity  string

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	offerErr error
	closeErr error
}

// MemSubscription buffers delivered frames and tracks attached peers.
type MemSubscription struct {
	subject string

	mu     sync.Mutex
	frames [][]byte
	images map[string]memImage
	closed bool

	onAvailable   transport.ImageHandler
	onUnavailable transport.ImageHandler

	closeErr error
}

// OpenPublication implements transport.Transport.
func (t *Transport) OpenPublication(_ context.Context, ch transport.Channel) (transport.Publication, error) {
	t.mu.Lock()
	if err := t.failOpenPublication; err != nil {
		t.failOpenPublication = nil
		t.mu.Unlock()
		return nil, err
	}

	p := &MemPublication{
		transport: t,
		subject:   ch.Subject(),
		presence:  ch.PresenceSubject(),
		identity:  t.identity,
	}
	t.pubs[p.subject] = append(t.pubs[p.subject], p)
	subs := append([]*MemSubscription(nil), t.subs[p.subject]...)
	t.mu.Unlock()

	img := memImage{correlation: fmt.Sprintf("pub-%p", p), source: t.identity}
	for _, s := range subs {
		s.attach(img)
	}

	return p, nil
}

// Offer implements transport.Publication.
func (p *MemPublication) Offer(payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.ErrPublicationClosed
	}
	if err := p.offerErr; err != nil {
		p.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), payload...)
	p.frames = append(p.frames, frame)
	p.mu.Unlock()

	p.transport.mu.Lock()
	subs := append([]*MemSubscription(nil), p.transport.subs[p.subject]...)
	p.transport.mu.Unlock()

	for _, s := range subs {
		s.deliver(frame)
	}
	return nil
}

// Close implements transport.Publication.
func (p *MemPublication) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	err := p.closeErr
	p.mu.Unlock()

	p.transport.mu.Lock()
	subs := append([]*MemSubscription(nil), p.transport.subs[p.subject]...)
	p.transport.mu.Unlock()

	img := memImage{correlation: fmt.Sprintf("pub-%p", p), source: p.identity}
	for _, s := range subs {
		s.detach(img.correlation)
	}
	return err
}

// FailOffer makes subsequent Offer calls fail with err.
func (p *MemPublication) FailOffer(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerErr = err
}

// FailClose makes the first Close call return err (the close still happens).
func (p *MemPublication) FailClose(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// Frames returns all offered frames as strings.
func (p *MemPublication) Frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	for i, f := range p.frames {
		out[i] = string(f)
	}
	return out
}

// Closed reports whether Close has been called.
func (p *MemPublication) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// OpenSubscription implements transport.Transport.
func (t *Transport) OpenSubscription(_ context.Context, ch transport.Channel,
	onAvailable, onUnavailable transport.ImageHandler) (transport.Subscription, error) {
	t.mu.Lock()
	if err := t.failOpenSubscription; err != nil {
		t.failOpenSubscription = nil
		t.mu.Unlock()
		return nil, err
	}

	s := &MemSubscription{
		subject:       ch.Subject(),
		images:        make(map[string]memImage),
		onAvailable:   onAvailable,
		onUnavailable: onUnavailable,
	}
	t.subs[s.subject] = append(t.subs[s.subject], s)
	pubs := append([]*MemPublication(nil), t.pubs[s.subject]...)
	t.mu.Unlock()

	// Pre-existing publications are visible immediately (the real transport
	// probes for them).
	for _, p := range pubs {
		if !p.Closed() {
			s.attach(memImage{correlation: fmt.Sprintf("pub-%p", p), source: p.identity})
		}
	}

	return s, nil
}

func (s *MemSubscription) attach(img memImage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, known := s.images[img.correlation]; known {
		s.mu.Unlock()
		return
	}
	s.images[img.correlation] = img
	handler := s.onAvailable
	s.mu.Unlock()

	if handler != nil {
		handler(img)
	}
}

func (s *MemSubscription) detach(correlation string) {
	s.mu.Lock()
	img, known := s.images[correlation]
	if known {
		delete(s.images, correlation)
	}
	handler := s.onUnavailable
	s.mu.Unlock()

	if known && handler != nil {
		handler(img)
	}
}

func (s *MemSubscription) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames = append(s.frames, frame)
}

// AttachPeer simulates a remote peer attaching to the subscription.
func (s *MemSubscription) AttachPeer(correlation, sourceIdentity string) {
	s.attach(memImage{correlation: correlation, source: sourceIdentity})
}

// DetachPeer simulates a remote peer detaching from the subscription.
func (s *MemSubscription) DetachPeer(correlation string) {
	s.detach(correlation)
}

// Deliver simulates a frame arriving from the network.
func (s *MemSubscription) Deliver(payload []byte) {
	s.deliver(append([]byte(nil), payload...))
}

// Poll implements transport.Subscription.
func (s *MemSubscription) Poll(h transport.FragmentHandler, limit int) int {
	s.mu.Lock()
	n := limit
	if n > len(s.frames) {
		n = len(s.frames)
	}
	if n <= 0 || h == nil {
		s.mu.Unlock()
		return 0
	}
	batch := s.frames[:n]
	s.frames = append([][]byte(nil), s.frames[n:]...)
	s.mu.Unlock()

	for _, frame := range batch {
		h(frame)
	}
	return n
}

// ImageCount implements transport.Subscription.
func (s *MemSubscription) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Close implements transport.Subscription.
func (s *MemSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeErr
}

// FailClose makes the first Close call return err (the close still happens).
func (s *MemSubscription) FailClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Closed reports whether Close has been called.
func (s *MemSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handshakeCloser removes a registered responder on Close.
type handshakeCloser struct {
	transport *Transport
	subject   string
}

func (c *handshakeCloser) Close() error {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	delete(c.transport.responders, c.subject)
	return nil
}

// ServeHandshake implements transport.Transport.
func (t *Transport) ServeHandshake(_ context.Context, e transport.Endpoint,
	h transport.HandshakeHandler) (io.Closer, error) {
	if h == nil {
		return nil, errors.ErrMissingDependency
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.responders[e.AllClientsSubject()] = h
	return &handshakeCloser{transport: t, subject: e.AllClientsSubject()}, nil
}

// Handshake implements transport.Transport by invoking the registered
// responder synchronously.
func (t *Transport) Handshake(_ context.Context, e transport.Endpoint, payload []byte) ([]byte, error) {
	t.mu.Lock()
	h, ok := t.responders[e.AllClientsSubject()]
	t.mu.Unlock()

	if !ok {
		return nil, errors.ErrNotConnected
	}
	return h(payload), nil
}

// LastPublication returns the most recently opened publication on ch, or nil.
func (t *Transport) LastPublication(ch transport.Channel) *MemPublication {
	t.mu.Lock()
	defer t.mu.Unlock()
	pubs := t.pubs[ch.Subject()]
	if len(pubs) == 0 {
		return nil
	}
	return pubs[len(pubs)-1]
}

// LastSubscription returns the most recently opened subscription on ch, or nil.
func (t *Transport) LastSubscription(ch transport.Channel) *MemSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[ch.Subject()]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

var _ transport.Transport = (*Transport)(nil)

// Package tracing provides lightweight request tracing for keyprint.
//
// Spans follow OpenTelemetry concepts without the SDK:
//   - W3C Trace Context propagation (traceparent / tracestate)
//   - parent-based ratio sampling
//   - JSON-lines export to any writer
//
// A nil *Tracer is valid and records nothing, so components can take an
// optional tracer without nil checks at every call site.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"keyprint/internal/clock"
)

// TraceID is a unique identifier for a trace.
type TraceID [16]byte

// String returns the hex representation of the TraceID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid returns true if the TraceID is non-zero.
func (t TraceID) IsValid() bool {
	return t != TraceID{}
}

// SpanID is a unique identifier for a span.
type SpanID [8]byte

// String returns the hex representation of the SpanID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// IsValid returns true if the SpanID is non-zero.
func (s SpanID) IsValid() bool {
	return s != SpanID{}
}

// SpanKind is the role of a span in a trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "internal"
	}
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Attribute is a key/value pair on a span or event.
type Attribute struct {
	Key   string
	Value any
}

// Attr builds an Attribute.
func Attr(key string, value any) Attribute {
	return Attribute{Key: key, Value: value}
}

// Event is a timestamped annotation inside a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []Attribute
}

// SpanContext identifies a span across process boundaries.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags byte
	TraceState string
	Remote     bool
}

// IsValid reports whether both IDs are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&0x01 != 0
}

// Span is one unit of work. A nil *Span ignores every call.
type Span struct {
	mu         sync.Mutex
	tracer     *Tracer
	name       string
	context    SpanContext
	parent     SpanContext
	kind       SpanKind
	startTime  time.Time
	endTime    time.Time
	attributes []Attribute
	events     []Event
	status     StatusCode
	statusMsg  string
	ended      atomic.Bool
}

// Context returns the span's context.
func (s *Span) Context() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.context
}

// SetAttributes appends attributes.
func (s *Span) SetAttributes(attrs ...Attribute) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes = append(s.attributes, attrs...)
}

// AddEvent records a named event.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	if s == nil {
		return
	}
	now := s.tracer.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Name: name, Timestamp: now, Attributes: attrs})
}

// SetStatus sets the span status.
func (s *Span) SetStatus(code StatusCode, message string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError adds an exception event and marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.AddEvent("exception",
		Attr("exception.type", fmt.Sprintf("%T", err)),
		Attr("exception.message", err.Error()),
	)
	s.SetStatus(StatusError, err.Error())
}

// End finishes the span and hands sampled spans to the exporter. Only
// the first call has an effect.
func (s *Span) End() {
	if s == nil || s.ended.Swap(true) {
		return
	}
	now := s.tracer.clock.Now()
	s.mu.Lock()
	s.endTime = now
	s.mu.Unlock()

	if s.context.IsSampled() {
		s.tracer.exporter.ExportSpan(s.Data())
	}
}

// SpanData is an immutable snapshot of a span.
type SpanData struct {
	Name       string         `json:"name"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Kind       string         `json:"kind"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration_ns"`
	Status     string         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []EventData    `json:"events,omitempty"`
}

// EventData is a serializable event.
type EventData struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func attrMap(attrs []Attribute) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

// Data returns a snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]EventData, len(s.events))
	for i, e := range s.events {
		events[i] = EventData{Name: e.Name, Timestamp: e.Timestamp, Attributes: attrMap(e.Attributes)}
	}

	d := SpanData{
		Name:       s.name,
		Service:    s.tracer.service,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		Kind:       s.kind.String(),
		StartTime:  s.startTime,
		EndTime:    s.endTime,
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrMap(s.attributes),
		Events:     events,
	}
	if !s.endTime.IsZero() {
		d.Duration = s.endTime.Sub(s.startTime)
	}
	if s.parent.SpanID.IsValid() {
		d.ParentID = s.parent.SpanID.String()
	}
	return d
}

// Exporter receives finished, sampled spans.
type Exporter interface {
	ExportSpan(SpanData)
	Shutdown() error
}

// WriterExporter writes one JSON object per span, buffering up to
// batch spans between writes.
type WriterExporter struct {
	mu    sync.Mutex
	w     io.Writer
	batch int
	spans []SpanData
	err   error
}

// NewWriterExporter creates an exporter over w. A batch below 1
// writes every span immediately.
func NewWriterExporter(w io.Writer, batch int) *WriterExporter {
	if batch < 1 {
		batch = 1
	}
	return &WriterExporter{w: w, batch: batch}
}

// ExportSpan buffers a span and flushes a full batch.
func (e *WriterExporter) ExportSpan(d SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, d)
	if len(e.spans) >= e.batch {
		e.flushLocked()
	}
}

func (e *WriterExporter) flushLocked() {
	enc := json.NewEncoder(e.w)
	for _, s := range e.spans {
		if err := enc.Encode(s); err != nil && e.err == nil {
			e.err = err
		}
	}
	e.spans = e.spans[:0]
}

// Flush writes any buffered spans.
func (e *WriterExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	return e.err
}

// Shutdown flushes and reports the first write error seen. The writer
// is not closed.
func (e *WriterExporter) Shutdown() error {
	return e.Flush()
}

// MemoryExporter keeps spans in memory. Tests use it.
type MemoryExporter struct {
	mu    sync.Mutex
	spans []SpanData
}

// ExportSpan records d.
func (e *MemoryExporter) ExportSpan(d SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, d)
}

// Spans returns a copy of the recorded spans.
func (e *MemoryExporter) Spans() []SpanData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SpanData(nil), e.spans...)
}

// Shutdown is a no-op.
func (e *MemoryExporter) Shutdown() error { return nil }

// Sampler decides whether a new root trace is recorded.
type Sampler interface {
	ShouldSample(traceID TraceID) bool
}

// RatioSampler samples a fixed fraction of traces by trace ID.
type RatioSampler struct {
	threshold uint64
	all       bool
}

// NewRatioSampler clamps ratio to [0, 1].
func NewRatioSampler(ratio float64) *RatioSampler {
	switch {
	case ratio >= 1:
		return &RatioSampler{all: true}
	case ratio <= 0:
		return &RatioSampler{}
	}
	return &RatioSampler{threshold: uint64(ratio * float64(^uint64(0)))}
}

// ShouldSample compares the first 8 bytes of the trace ID with the
// ratio threshold so every service makes the same decision.
func (s *RatioSampler) ShouldSample(traceID TraceID) bool {
	if s.all {
		return true
	}
	h := uint64(0)
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(traceID[i])
	}
	return h < s.threshold
}

// Config configures a Tracer.
type Config struct {
	// Service is attached to every span.
	Service string
	// Exporter is required.
	Exporter Exporter
	// Sampler decides root traces. Defaults to sampling everything.
	Sampler Sampler
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Tracer creates spans.
type Tracer struct {
	service  string
	exporter Exporter
	sampler  Sampler
	clock    clock.Clock
}

// New creates a Tracer.
func New(cfg Config) (*Tracer, error) {
	if cfg.Exporter == nil {
		return nil, errors.New("tracing: exporter is required")
	}
	t := &Tracer{
		service:  cfg.Service,
		exporter: cfg.Exporter,
		sampler:  cfg.Sampler,
		clock:    cfg.Clock,
	}
	if t.sampler == nil {
		t.sampler = NewRatioSampler(1)
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	return t, nil
}

// Shutdown flushes the exporter.
func (t *Tracer) Shutdown() error {
	if t == nil {
		return nil
	}
	return t.exporter.Shutdown()
}

// SpanOption configures a span at start.
type SpanOption func(*Span)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(s *Span) { s.kind = kind }
}

// WithAttributes sets initial attributes.
func WithAttributes(attrs ...Attribute) SpanOption {
	return func(s *Span) { s.attributes = append(s.attributes, attrs...) }
}

// Start opens a span. The parent is the span in ctx, or else a remote
// context placed there by ContextWithRemote. Children inherit the
// parent's sampling decision; only roots consult the sampler. On a nil
// Tracer it returns ctx and a nil span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}

	var parent SpanContext
	if p := SpanFromContext(ctx); p != nil {
		parent = p.Context()
	} else if r, ok := ctx.Value(remoteKey{}).(SpanContext); ok {
		parent = r
	}

	sc := SpanContext{TraceState: parent.TraceState}
	if parent.IsValid() {
		sc.TraceID = parent.TraceID
		sc.TraceFlags = parent.TraceFlags
	} else {
		rand.Read(sc.TraceID[:])
		if t.sampler.ShouldSample(sc.TraceID) {
			sc.TraceFlags = 0x01
		}
	}
	rand.Read(sc.SpanID[:])

	span := &Span{
		tracer:    t,
		name:      name,
		context:   sc,
		parent:    parent,
		startTime: t.clock.Now(),
	}
	for _, opt := range opts {
		opt(span)
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

type spanKey struct{}

type remoteKey struct{}

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ContextWithRemote records an incoming span context as the parent of
// the next span started from ctx.
func ContextWithRemote(ctx context.Context, sc SpanContext) context.Context {
	if !sc.IsValid() {
		return ctx
	}
	return context.WithValue(ctx, remoteKey{}, sc)
}

// Run wraps fn in a span that records its error.
func (t *Tracer) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := t.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(StatusOK, "")
	}
	return err
}

// ParseTraceParent parses a W3C traceparent header, for example
// 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01.
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 {
		return SpanContext{}, errors.New("invalid traceparent length")
	}
	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, errors.New("invalid traceparent format")
	}
	if version := header[0:2]; version != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version: %s", version)
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(header[3:35])); err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace ID: %w", err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(header[36:52])); err != nil {
		return SpanContext{}, fmt.Errorf("invalid span ID: %w", err)
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(header[53:55])); err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace flags: %w", err)
	}
	if !sc.IsValid() {
		return SpanContext{}, errors.New("traceparent has a zero ID")
	}
	sc.TraceFlags = flags[0]
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent formats sc as a W3C traceparent header.
func FormatTraceParent(sc SpanContext) string {
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID, sc.SpanID, sc.TraceFlags&0x01)
}

// Extract reads trace context from request headers. An absent or
// malformed traceparent yields the zero SpanContext.
func Extract(get func(key string) string) SpanContext {
	sc, err := ParseTraceParent(get("traceparent"))
	if err != nil {
		return SpanContext{}
	}
	sc.TraceState = get("tracestate")
	return sc
}

// Inject writes the active span of ctx as response or outgoing headers.
func Inject(ctx context.Context, set func(key, value string)) {
	sc := SpanFromContext(ctx).Context()
	if !sc.IsValid() {
		return
	}
	set("traceparent", FormatTraceParent(sc))
	if sc.TraceState != "" {
		set("tracestate", sc.TraceState)
	}
}

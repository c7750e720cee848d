package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/escore/core/es"
)

const (
	defaultStreamName    = "ESCORE"
	defaultSubjectPrefix = "escore.streams"
	defaultFetchBatch    = 256
	defaultAppendRetries = 16
	// tailWalkLimit bounds the commits followed backwards before a read
	// falls back to scanning the subject.
	tailWalkLimit = 64

	headerStream        = "Es-Stream"
	headerFirstRevision = "Es-First-Revision"
	headerCount         = "Es-Count"

	// errCodeWrongLastSequence is returned by the server when the
	// expected last subject sequence of a publish does not hold.
	errCodeWrongLastSequence jetstream.ErrorCode = 10071
)

type EventLogConfig struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)

	StreamName    string
	SubjectPrefix string
	Storage       jetstream.StorageType
	Replicas      int
	// FetchBatch bounds the number of commits pulled per fetch while
	// reading a stream.
	FetchBatch int
}

// EventLog is an es.EventLog on a single JetStream stream. Every append
// is published as one commit message on the subject of its stream, so a
// batch is atomic and the per subject sequence guards the expected
// revision. All events of a commit share its stream sequence as position.
type EventLog struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	fetchBatch    int
	closeOnce     sync.Once
}

// commit is the wire format of one append. PrevSeq links to the previous
// commit of the same stream, 0 for the first one.
type commit struct {
	Stream        string         `json:"stream"`
	FirstRevision es.Revision    `json:"first_revision"`
	PrevSeq       uint64         `json:"prev_seq,omitempty"`
	Events        []es.EventData `json:"events"`
}

// storedCommit is a commit with its place in the js stream.
type storedCommit struct {
	commit
	seq uint64
	at  time.Time
}

func (c commit) lastRevision() es.Revision {
	return c.FirstRevision + es.Revision(len(c.Events)) - 1
}

func (c commit) records(seq uint64, at time.Time) []es.Record {
	recs := make([]es.Record, len(c.Events))
	for i, ev := range c.Events {
		recs[i] = es.Record{
			EventData:  ev,
			StreamID:   c.Stream,
			Revision:   c.FirstRevision + es.Revision(i),
			Position:   seq,
			RecordedAt: at,
		}
	}
	return recs
}

func NewEventLog(ctx context.Context, cfg EventLogConfig) (*EventLog, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := sanitizeStreamName(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	fetchBatch := cfg.FetchBatch
	if fetchBatch <= 0 {
		fetchBatch = defaultFetchBatch
	}

	log = log.With(
		slog.String("log", "nats_js"),
		slog.String("js_stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	stream, info, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    cfg.Storage,
		Replicas:   cfg.Replicas,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
		FirstSeq:   1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream", slog.Uint64("last_seq", info.State.LastSeq))

	return &EventLog{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		fetchBatch:    fetchBatch,
	}, nil
}

func (l *EventLog) Close() {
	l.closeOnce.Do(func() {
		l.js.CleanupPublisher()
		l.closeNc()
		l.log.Debug("closed event log")
	})
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// subjectFor maps a stream name to its subject. Names that are not a valid
// subject token are base64 encoded behind a '~' so the mapping stays
// injective.
func (l *EventLog) subjectFor(stream string) string {
	return l.subjectPrefix + "." + subjectToken(stream)
}

func subjectToken(name string) string {
	if name != "" && !strings.HasPrefix(name, "~") && !strings.ContainsAny(name, ".*> \t\r\n") {
		return name
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(name))
}

// lastCommit returns the newest commit of stream and its sequence. A nil
// commit means the stream does not exist.
func (l *EventLog) lastCommit(ctx context.Context, stream string) (*commit, uint64, time.Time, error) {
	raw, err := l.stream.GetLastMsgForSubject(ctx, l.subjectFor(stream))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, 0, time.Time{}, nil
		}
		return nil, 0, time.Time{}, err
	}
	var c commit
	if err := json.Unmarshal(raw.Data, &c); err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("decode commit %d of %s: %w", raw.Sequence, stream, err)
	}
	return &c, raw.Sequence, raw.Time, nil
}

func (l *EventLog) ReadLast(ctx context.Context, stream string) (es.Record, error) {
	c, seq, at, err := l.lastCommit(ctx, stream)
	if err != nil {
		return es.Record{}, err
	}
	if c == nil || len(c.Events) == 0 {
		return es.Record{}, es.ErrStreamNotFound
	}
	recs := c.records(seq, at)
	return recs[len(recs)-1], nil
}

func (l *EventLog) ReadStream(ctx context.Context, stream string, from es.Revision, maxCount int) ([]es.Record, error) {
	last, lastSeq, lastAt, err := l.lastCommit(ctx, stream)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, es.ErrStreamNotFound
	}
	if from > last.lastRevision() {
		return []es.Record{}, nil
	}

	if from > 0 {
		commits, ok, err := l.tail(ctx, stream, storedCommit{commit: *last, seq: lastSeq, at: lastAt}, from)
		if err != nil {
			return nil, err
		}
		if ok {
			out := make([]es.Record, 0)
			for _, c := range commits {
				var done bool
				if out, done = collect(out, c.records(c.seq, c.at), from, maxCount); done {
					break
				}
			}
			return out, nil
		}
	}

	cons, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{l.subjectFor(stream)},
	})
	if err != nil {
		return nil, err
	}

	out := make([]es.Record, 0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cons.Fetch(l.fetchBatch, jetstream.FetchMaxWait(natsgo.DefaultTimeout))
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			c, md, err := decodeCommit(msg)
			if err != nil {
				return nil, err
			}
			if c.lastRevision() >= from {
				var done bool
				if out, done = collect(out, c.records(md.Sequence.Stream, md.Timestamp), from, maxCount); done {
					return out, nil
				}
			}
			if md.Sequence.Stream >= lastSeq {
				return out, nil
			}
		}
		if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return nil, err
		}
		if empty {
			return nil, fmt.Errorf("read %s: stream ended before sequence %d", stream, lastSeq)
		}
	}
}

// collect appends the records at or past from, done once maxCount is reached.
func collect(out, recs []es.Record, from es.Revision, maxCount int) ([]es.Record, bool) {
	for _, rec := range recs {
		if rec.Revision < from {
			continue
		}
		out = append(out, rec)
		if maxCount > 0 && len(out) >= maxCount {
			return out, true
		}
	}
	return out, false
}

// tail follows the prev_seq links back from the newest commit and returns
// the commits holding revision from onwards, oldest first. ok is false when
// the walk ran past tailWalkLimit or hit a commit it cannot follow; the
// caller then scans the subject instead.
func (l *EventLog) tail(ctx context.Context, stream string, last storedCommit, from es.Revision) (commits []storedCommit, ok bool, err error) {
	commits = []storedCommit{last}
	for cur := last; cur.FirstRevision > from; {
		if cur.PrevSeq == 0 || len(commits) >= tailWalkLimit {
			return nil, false, nil
		}
		raw, err := l.stream.GetMsg(ctx, cur.PrevSeq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("read commit %d of %s: %w", cur.PrevSeq, stream, err)
		}
		var c commit
		if err := json.Unmarshal(raw.Data, &c); err != nil {
			return nil, false, fmt.Errorf("decode commit %d of %s: %w", raw.Sequence, stream, err)
		}
		if c.Stream != stream {
			return nil, false, nil
		}
		cur = storedCommit{commit: c, seq: raw.Sequence, at: raw.Time}
		commits = append(commits, cur)
	}
	slices.Reverse(commits)
	return commits, true, nil
}

func decodeCommit(msg jetstream.Msg) (commit, *jetstream.MsgMetadata, error) {
	md, err := msg.Metadata()
	if err != nil {
		return commit{}, nil, err
	}
	var c commit
	if err := json.Unmarshal(msg.Data(), &c); err != nil {
		return commit{}, nil, fmt.Errorf("decode commit %d: %w", md.Sequence.Stream, err)
	}
	return c, md, nil
}

func (l *EventLog) AppendToStream(ctx context.Context, stream string, events []es.EventData, expected es.ExpectedRevision) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, es.ErrNoEvents
	}

	// Blind appends still publish behind a sequence guard to keep revisions
	// dense; a lost race is simply retried.
	for attempt := 0; ; attempt++ {
		res, err := l.tryAppend(ctx, stream, events, expected)
		if err == nil || !expected.IsAny() || !errors.Is(err, es.ErrConcurrencyConflict) || attempt >= defaultAppendRetries {
			return res, err
		}
		l.log.Debug("retrying blind append", slog.String("stream", stream), slog.Int("attempt", attempt))
	}
}

func (l *EventLog) tryAppend(ctx context.Context, stream string, events []es.EventData, expected es.ExpectedRevision) (es.AppendResult, error) {
	last, lastSeq, _, err := l.lastCommit(ctx, stream)
	if err != nil {
		return es.AppendResult{}, err
	}

	var (
		exists  = last != nil
		current es.Revision
	)
	if exists {
		current = last.lastRevision()
	}
	if !expected.Matches(current, exists) {
		return es.AppendResult{}, es.ConflictError(stream, expected, current, exists)
	}

	c := commit{Stream: stream, Events: events}
	if exists {
		c.FirstRevision = current + 1
		c.PrevSeq = lastSeq
	}

	subject := l.subjectFor(stream)
	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerStream, stream)
	msg.Header.Set(headerFirstRevision, strconv.FormatUint(c.FirstRevision.Uint64(), 10))
	msg.Header.Set(headerCount, strconv.Itoa(len(events)))
	msg.Data, err = json.Marshal(c)
	if err != nil {
		return es.AppendResult{}, err
	}

	ack, err := l.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
		jetstream.WithMsgID(events[0].ID),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence {
			return es.AppendResult{}, es.ConflictError(stream, expected, current, exists)
		}
		return es.AppendResult{}, fmt.Errorf("publish to %s: %w", subject, err)
	}

	l.log.Debug(
		"appended",
		slog.String("stream", stream),
		slog.Int("count", len(events)),
		c.lastRevision().SlogAttrWithKey("last_revision"),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("dup", ack.Duplicate),
	)

	return es.AppendResult{NextExpectedRevision: c.lastRevision(), LastPosition: ack.Sequence}, nil
}

func (l *EventLog) SubscribeFromPosition(ctx context.Context, from uint64, filter es.SubscriptionFilter) (es.LiveRead, error) {
	cfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{l.subjectPrefix + ".>"},
	}
	if from > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = from
	}
	cons, err := l.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	lr := &liveRead{ch: make(chan es.Record), cancel: cancel}
	stop := context.AfterFunc(ctx, it.Stop)

	go func() {
		defer close(lr.ch)
		defer stop()
		defer it.Stop()

		for {
			msg, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					lr.fail(err)
				}
				return
			}
			c, md, err := decodeCommit(msg)
			if err != nil {
				lr.fail(err)
				return
			}
			for _, rec := range c.records(md.Sequence.Stream, md.Timestamp) {
				if !filter.Match(rec) {
					continue
				}
				select {
				case lr.ch <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return lr, nil
}

type liveRead struct {
	ch     chan es.Record
	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

func (r *liveRead) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *liveRead) Chan() <-chan es.Record { return r.ch }
func (r *liveRead) Unsubscribe()           { r.cancel() }
func (r *liveRead) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

var (
	_ es.EventLog         = (*EventLog)(nil)
	_ es.LastRecordReader = (*EventLog)(nil)
)
